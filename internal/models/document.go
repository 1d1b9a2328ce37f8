package models

import "time"

// Document is an uploaded deck. The pipeline only writes the extracted text fields.
type Document struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	UserID        uint       `json:"userId" gorm:"not null;index"`
	Filename      string     `json:"filename" gorm:"not null"`
	ContentType   string     `json:"contentType"`
	SizeBytes     int64      `json:"sizeBytes"`
	SHA256        string     `json:"sha256" gorm:"size:64;index"`
	StoragePath   string     `json:"storagePath" gorm:"not null"`
	PageCount     int        `json:"pageCount"`
	ExtractedText string     `json:"-" gorm:"type:text"`
	ExtractedAt   *time.Time `json:"extractedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (Document) TableName() string {
	return "documents"
}
