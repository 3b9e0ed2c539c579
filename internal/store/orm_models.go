package store

import "time"

type sessionRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	MachineID      string    `gorm:"size:191;index"`
	AgentName      string    `gorm:"size:191;not null"`
	Title          string    `gorm:"size:512"`
	WorkDir        string    `gorm:"size:1024"`
	Model          string    `gorm:"size:191"`
	PermissionMode string    `gorm:"size:64"`
	Active         bool      `gorm:"not null"`
	Thinking       bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		ID:             r.ID,
		MachineID:      r.MachineID,
		AgentName:      r.AgentName,
		Title:          r.Title,
		WorkDir:        r.WorkDir,
		Model:          r.Model,
		PermissionMode: r.PermissionMode,
		Active:         r.Active,
		Thinking:       r.Thinking,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func sessionRowFromRecord(rec SessionRecord) sessionRow {
	return sessionRow{
		ID:             rec.ID,
		MachineID:      rec.MachineID,
		AgentName:      rec.AgentName,
		Title:          rec.Title,
		WorkDir:        rec.WorkDir,
		Model:          rec.Model,
		PermissionMode: rec.PermissionMode,
		Active:         rec.Active,
		Thinking:       rec.Thinking,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

type messageRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	SessionID   string    `gorm:"size:64;index:idx_messages_session_sequence,priority:1"`
	Sequence    int64     `gorm:"not null;uniqueIndex:idx_messages_session_sequence,priority:2"`
	Kind        string    `gorm:"size:64;not null"`
	Role        string    `gorm:"size:32"`
	PayloadJSON string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (r messageRow) toRecord() MessageRecord {
	return MessageRecord{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Sequence:    r.Sequence,
		Kind:        r.Kind,
		Role:        r.Role,
		PayloadJSON: []byte(r.PayloadJSON),
		CreatedAt:   r.CreatedAt,
	}
}

func messageRowFromRecord(rec MessageRecord) messageRow {
	return messageRow{
		ID:          rec.ID,
		SessionID:   rec.SessionID,
		Sequence:    rec.Sequence,
		Kind:        rec.Kind,
		Role:        rec.Role,
		PayloadJSON: string(rec.PayloadJSON),
		CreatedAt:   rec.CreatedAt,
	}
}
