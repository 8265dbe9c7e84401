package dto

type SchemaSelection struct {
	Name     string  `json:"name" binding:"required"`
	Versions []int64 `json:"versions"`
}

type CreateExportRequest struct {
	Schemata          []SchemaSelection `json:"schemata" binding:"required,min=1,dive"`
	ExpandCollections bool              `json:"expand_collections"`
	UseChoiceLabels   bool              `json:"use_choice_labels"`
}

type ListExportsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListExportsResponse struct {
	Exports    []ExportDTO `json:"exports"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type SchemaDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	PublishDate string `json:"publish_date,omitempty"`
}

type ExportDTO struct {
	ExportID          string      `json:"export_id"`
	Name              string      `json:"name"`
	OwnerUser         string      `json:"owner_user"`
	Status            string      `json:"status"`
	ExpandCollections bool        `json:"expand_collections"`
	UseChoiceLabels   bool        `json:"use_choice_labels"`
	FileSize          *int64      `json:"file_size,omitempty"`
	Schemata          []SchemaDTO `json:"schemata,omitempty"`
	CreatedAt         string      `json:"created_at"`
	UpdatedAt         string      `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
