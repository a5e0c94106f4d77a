package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type BackendFlags struct {
	ConfigPath string
	Host       string
	Port       int
	Name       string
	ID         string
}

// APIFlags select the linker a client command talks to.
type APIFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type LinkFlags struct {
	APIFlags
	ID               string
	AppID            string
	DefaultAppKey    string
	DefaultAppSecret string
}

type SessionFlags struct {
	APIFlags
	LinkID string
}

type AuthorizeFlags struct {
	APIFlags
	LinkID    string
	Callback  string
	StorageID string
	AppID     string
	AppKey    string
	AppSecret string
}
