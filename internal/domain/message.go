package domain

import "time"

// Message is a unit of inter-identity communication as stored by the broker.
// The broker assigns ID and CreatedAt; the ID is stable across delivery attempts.
type Message struct {
	ID               string       `json:"id"`
	From             string       `json:"from"`
	ToName           string       `json:"to_name"`
	Subject          string       `json:"subject,omitempty"`
	Body             string       `json:"body"`
	CreatedAt        time.Time    `json:"created_at"`
	ReplyToMessageID string       `json:"reply_to_message_id,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// Attachment describes a binary file referenced by a message.
type Attachment struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

// ResolvedAttachment is an attachment staged on local disk for one dispatch.
type ResolvedAttachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	LocalPath string `json:"local_path"`
}

// OutgoingMessage is a reply or send request addressed to the broker.
type OutgoingMessage struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	Subject   string `json:"subject,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}
