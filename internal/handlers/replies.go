package handlers

import (
	"net/http"
)

type ErrorReply struct {
	Code int `json:"code"`
}

type SubmitReply struct {
	TaskID string `json:"task_id"`
}

type StatusReply struct {
	Status string `json:"status"`
}

func (e ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s SubmitReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s StatusReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}
