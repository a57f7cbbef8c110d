package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Session struct {
	ID string `gorm:"primaryKey;type:varchar(26)" json:"id"`
	// nil for anonymous sessions; ownership is only enforced when set
	UserID    *uint64   `gorm:"index:idx_chat_session_user_created,priority:1" json:"-"`
	Title     *string   `gorm:"type:varchar(255)" json:"title"`
	CreatedAt time.Time `gorm:"index:idx_chat_session_user_created,priority:2" json:"created_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// OwnedBy reports whether userID may act on the session. Sessions without
// an owner belong to nobody.
func (s *Session) OwnedBy(userID uint64) bool {
	return s.UserID != nil && *s.UserID == userID
}

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_created,priority:1" json:"session_id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// Usage accounts for the tokens spent producing one assistant message.
type Usage struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID        string    `gorm:"type:varchar(26);not null;index:idx_llm_usage_session_created,priority:1" json:"-"`
	MessageID        uint64    `gorm:"not null;uniqueIndex" json:"message_id"`
	Provider         string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model            string    `gorm:"type:varchar(128);not null" json:"model"`
	PromptTokens     int       `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"not null;default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"not null;default:0" json:"total_tokens"`
	CreatedAt        time.Time `gorm:"index:idx_llm_usage_session_created,priority:2" json:"created_at"`
}

func (Usage) TableName() string { return "llm_usage" }

// Tables lists every model for AutoMigrate.
func Tables() []any {
	return []any{&Session{}, &Message{}, &Usage{}, &RepairJob{}}
}
