package database

import "time"

// Mapping is one row of the mappings table. Key is "protocol:inner_port".
type Mapping struct {
	Key       string    `gorm:"primaryKey;size:16" json:"key"`
	IP        string    `gorm:"not null" json:"ip"`
	Port      int       `gorm:"not null" json:"port"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
