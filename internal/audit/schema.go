package audit

import "encoding/json"

// FieldType declares the expected JSON shape of a document field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// FieldSpec declares one field of an entity schema. Default is the value a
// repair writes when a required field is missing.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
}

// ParentRef declares a child-to-parent reference used by the orphan scan.
type ParentRef struct {
	Field      string
	ParentType string
}

// Schema is the explicit shape declaration for one entity type. The auditor
// checks documents against it instead of trusting callers to agree on shape.
type Schema struct {
	EntityType string
	Fields     []FieldSpec
	ParentRef  *ParentRef
}

// RequiredFields lists the names of the schema's required fields.
func (s Schema) RequiredFields() []string {
	var names []string
	for _, field := range s.Fields {
		if field.Required {
			names = append(names, field.Name)
		}
	}
	return names
}

// FieldByName returns the spec for a field, if declared.
func (s Schema) FieldByName(name string) (FieldSpec, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldSpec{}, false
}

// TypeMatches reports whether value conforms to the declared field type.
// Numbers tolerate the integer and float representations that survive JSON
// decoding.
func TypeMatches(fieldType FieldType, value any) bool {
	if value == nil {
		return false
	}
	switch fieldType {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		}
		return false
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldArray:
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// BuiltinSchemas declares the workflow tracker's core collections so audits
// run usefully without extra configuration.
func BuiltinSchemas() []Schema {
	return []Schema{
		{
			EntityType: "projects",
			Fields: []FieldSpec{
				{Name: "name", Type: FieldString, Required: true, Default: "Untitled Project"},
				{Name: "status", Type: FieldString, Required: true, Default: "sales"},
				{Name: "owner_user_id", Type: FieldString, Required: true, Default: ""},
				{Name: "progress_percent", Type: FieldNumber, Required: true, Default: 0},
				{Name: "description", Type: FieldString, Required: false},
				{Name: "delivery_date_s", Type: FieldNumber, Required: false},
			},
		},
		{
			EntityType: "milestones",
			Fields: []FieldSpec{
				{Name: "project_id", Type: FieldString, Required: true, Default: ""},
				{Name: "stage", Type: FieldString, Required: true, Default: "design"},
				{Name: "status", Type: FieldString, Required: true, Default: "pending"},
				{Name: "title", Type: FieldString, Required: true, Default: "Untitled Milestone"},
				{Name: "completed", Type: FieldBool, Required: false},
			},
			ParentRef: &ParentRef{Field: "project_id", ParentType: "projects"},
		},
		{
			EntityType: "complaints",
			Fields: []FieldSpec{
				{Name: "project_id", Type: FieldString, Required: true, Default: ""},
				{Name: "status", Type: FieldString, Required: true, Default: "open"},
				{Name: "subject", Type: FieldString, Required: true, Default: "Untitled Complaint"},
				{Name: "severity", Type: FieldString, Required: false},
			},
			ParentRef: &ParentRef{Field: "project_id", ParentType: "projects"},
		},
	}
}

// EntityTypes lists the entity types covered by the given schemas.
func EntityTypes(schemas []Schema) []string {
	types := make([]string, 0, len(schemas))
	for _, schema := range schemas {
		types = append(types, schema.EntityType)
	}
	return types
}
