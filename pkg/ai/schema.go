package ai

import "github.com/invopop/jsonschema"

// SchemaFor reflects a strict response schema from v. Every field is required
// and no additional properties are allowed, which is what strict structured
// output mode accepts.
func SchemaFor(v interface{}) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(v)
	s.Version = ""
	s.ID = ""
	return s
}

// Nullable lets each named property of obj also be null. The property keeps
// its own constraints inside the first anyOf branch.
func Nullable(obj *jsonschema.Schema, names ...string) {
	if obj == nil || obj.Properties == nil {
		return
	}
	for _, name := range names {
		prop, ok := obj.Properties.Get(name)
		if !ok || prop == nil {
			continue
		}
		desc := prop.Description
		prop.Description = ""
		obj.Properties.Set(name, &jsonschema.Schema{
			Description: desc,
			AnyOf:       []*jsonschema.Schema{prop, {Type: "null"}},
		})
	}
}
