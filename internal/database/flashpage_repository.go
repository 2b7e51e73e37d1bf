package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FlashPageRepository provides database operations for flash pages
type FlashPageRepository struct {
	db *gorm.DB
}

// NewFlashPageRepository creates a new repository instance
func NewFlashPageRepository(db *gorm.DB) *FlashPageRepository {
	return &FlashPageRepository{db: db}
}

// Get returns a page, or nil if the page is erased
func (r *FlashPageRepository) Get(index uint32) (*FlashPage, error) {
	var page FlashPage
	err := r.db.Where("page_index = ?", index).First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRange returns the programmed pages in [first, first+count), ordered by index
func (r *FlashPageRepository) GetRange(first uint32, count int) ([]FlashPage, error) {
	var pages []FlashPage
	err := r.db.Where("page_index >= ? AND page_index < ?", first, first+uint32(count)).
		Order("page_index ASC").
		Find(&pages).Error
	return pages, err
}

// DeleteRange erases the pages in [first, first+count)
func (r *FlashPageRepository) DeleteRange(first uint32, count int) error {
	return r.db.Where("page_index >= ? AND page_index < ?", first, first+uint32(count)).
		Delete(&FlashPage{}).Error
}

// SaveAll creates or updates pages in one transaction
func (r *FlashPageRepository) SaveAll(pages []FlashPage) error {
	if len(pages) == 0 {
		return nil
	}

	now := time.Now()
	err := r.db.Transaction(func(tx *gorm.DB) error {
		for i := range pages {
			pages[i].UpdatedAt = now
			if err := tx.Save(&pages[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save of %d pages starting at %d failed: %w", len(pages), pages[0].Index, err)
	}
	return nil
}

// Count returns the number of programmed pages
func (r *FlashPageRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&FlashPage{}).Count(&count).Error
	return count, err
}

// DeleteAll erases the whole image
func (r *FlashPageRepository) DeleteAll() error {
	return r.db.Where("1 = 1").Delete(&FlashPage{}).Error
}
