package database

import (
	"fmt"
	"time"
)

// FlashPage is one erase page of the persisted flash image. A page with no
// row is erased.
type FlashPage struct {
	Index     uint32    `gorm:"column:page_index;primarykey;autoIncrement:false" json:"index"`
	Data      []byte    `gorm:"not null" json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (FlashPage) TableName() string {
	return "flash_pages"
}

// String returns a short description of the page
func (p FlashPage) String() string {
	return fmt.Sprintf("page %d (%d bytes, %s)", p.Index, len(p.Data), p.UpdatedAt.Format(time.RFC3339))
}
