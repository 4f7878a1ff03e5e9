package models

import "time"

// Durable mirrors of the shared-store records. Written only by the
// reconciler; keyed by stable logical id so upserts are idempotent.

type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	LegacyID     *uint64   `gorm:"index" json:"-"`
	Name         string    `gorm:"type:varchar(64);not null" json:"name"`
	Email        string    `gorm:"type:varchar(128);index" json:"email"`
	ProfileImage string    `gorm:"type:varchar(256)" json:"profile_image"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "chat_users" }

type Room struct {
	ID           string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Name         string    `gorm:"type:varchar(128);not null" json:"name"`
	CreatorID    string    `gorm:"type:varchar(64);index" json:"creator_id"`
	Participants string    `gorm:"type:text" json:"participants"` // JSON array of user ids
	PasswordHash *string   `gorm:"type:varchar(128)" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Room) TableName() string { return "chat_rooms" }

type Message struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	RoomID    string    `gorm:"type:varchar(26);index:idx_chat_msg_room_ts,priority:1;not null" json:"room_id"`
	SenderID  *string   `gorm:"type:varchar(64);index" json:"sender_id"`
	Type      string    `gorm:"type:varchar(16);not null" json:"type"` // text|file|system|ai
	Content   string    `gorm:"type:text;not null" json:"content"`
	Reactions string    `gorm:"type:text" json:"reactions"` // JSON map emoji -> []userID
	SentAt    int64     `gorm:"index:idx_chat_msg_room_ts,priority:2;not null" json:"sent_at"` // unix millis
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "chat_messages" }
