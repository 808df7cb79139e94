package domain

// DefaultModel is used when a send request does not name a model.
const DefaultModel = "gpt-4o"

// Model describes a selectable completion model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended,omitempty"`
}

// Models returns the selectable model catalog, default first.
func Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", Description: "Most capable model, best for complex tasks", Recommended: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Description: "Faster and more cost-effective"},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Description: "High performance with large context"},
		{ID: "gpt-4", Name: "GPT-4", Description: "Original GPT-4, reliable and powerful"},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Description: "Fast and affordable for simple tasks"},
	}
}
