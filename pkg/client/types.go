package client

import "time"

// LinkRequest binds a link on the linker. ID is generated when empty.
type LinkRequest struct {
	ID               string
	AppID            string
	DefaultAppKey    string
	DefaultAppSecret string
}

// AuthorizeRequest asks the linker for the consent page of an app.
type AuthorizeRequest struct {
	LinkID    string
	Callback  string
	StorageID string // collection hash; empty uses the link's database
	AppID     string
	AppKey    string
	AppSecret string
}

// Session mirrors the linker's session info.
type Session struct {
	LinkID          string    `json:"linkID"`
	DateEstablished time.Time `json:"dateEstablished"`
	URL             string    `json:"url,omitempty"`
	AppID           string    `json:"appID,omitempty"`
	BackendID       string    `json:"backendID,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
}
