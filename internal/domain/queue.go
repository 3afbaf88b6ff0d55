package domain

import "time"

// MaxAttempts is the number of failed dispatch attempts after which a queued
// message is dead-lettered.
const MaxAttempts = 10

// QueuedMessage is a message whose dispatch to a consumer failed, plus the
// metadata needed to retry it.
type QueuedMessage struct {
	Message           Message   `json:"message"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"lastError"`
	QueuedAt          time.Time `json:"queuedAt"`
	AccountCredential string    `json:"accountCredential"`
	ReplyCredential   string    `json:"replyCredential"`
}
