package datamodel

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BaseDynamic contains common columns for all tables with UUID as primary key
type BaseDynamic struct {
	UID        uuid.UUID `gorm:"type:uuid;primary_key;<-:create"`
	CreateTime time.Time `gorm:"autoCreateTime:nano"`
	UpdateTime time.Time `gorm:"autoUpdateTime:nano"`
}

// BeforeCreate will set a UUID rather than numeric ID.
func (base *BaseDynamic) BeforeCreate(db *gorm.DB) error {
	if base.UID == uuid.Nil {
		uid, err := uuid.NewV4()
		if err != nil {
			return err
		}
		db.Statement.SetColumn("UID", uid)
	}
	return nil
}

// IndexedFace is one face enrolled into the persistent index: a label plus
// the descriptor vector the recognizer produced for it.
type IndexedFace struct {
	BaseDynamic

	Label string `json:"label,omitempty"`

	// Descriptor vector stored as a jsonb array
	Descriptor datatypes.JSON `json:"descriptor,omitempty" gorm:"type:jsonb"`
}

func (IndexedFace) TableName() string {
	return "indexed_face"
}

// SetDescriptor encodes the descriptor vector into the jsonb column.
func (f *IndexedFace) SetDescriptor(d Descriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	f.Descriptor = datatypes.JSON(b)
	return nil
}

// GetDescriptor decodes the descriptor vector from the jsonb column.
func (f *IndexedFace) GetDescriptor() (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(f.Descriptor, &d); err != nil {
		return nil, err
	}
	return d, nil
}
