package model

import "time"

type Export struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	OwnerUser         string    `db:"owner_user"`
	Status            string    `db:"status"`
	ExpandCollections bool      `db:"expand_collections"`
	UseChoiceLabels   bool      `db:"use_choice_labels"`
	FileSize          *int64    `db:"file_size"`
	CreateDate        time.Time `db:"create_date"`
	ModifyDate        time.Time `db:"modify_date"`
}
