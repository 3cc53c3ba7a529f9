package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "hub@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "hub@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "hub@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}

	var nilSvc *Service
	if nilSvc.IsConfigured() {
		t.Error("a nil service is never configured")
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	html, err := renderTemplate(passwordResetEmailTemplate, PasswordResetData{
		AppName:  "Raterhub",
		UserName: "Ann",
		ResetURL: "https://hub.example.com/reset?token=xyz789",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	for _, want := range []string{"Raterhub", "Ann", "https://hub.example.com/reset?token=xyz789", "1 hour"} {
		if !strings.Contains(html, want) {
			t.Errorf("template should contain %q", want)
		}
	}
}

func TestSendPasswordResetEmail(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	svc := NewService(Config{Host: "smtp.example.com", Port: "2525", From: "hub@example.com", FromName: "Raterhub"}).
		WithSender(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
			return nil
		})

	if err := svc.SendPasswordResetEmail("ann@example.com", "Ann", "https://hub.example.com/reset?token=t1"); err != nil {
		t.Fatalf("SendPasswordResetEmail failed: %v", err)
	}
	if gotAddr != "smtp.example.com:2525" || gotFrom != "hub@example.com" {
		t.Errorf("unexpected envelope %s from %s", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "ann@example.com" {
		t.Errorf("unexpected recipients %v", gotTo)
	}
	for _, want := range []string{"From: Raterhub <hub@example.com>", "Subject: Reset your Raterhub password", "text/plain", "text/html", "token=t1"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message should contain %q", want)
		}
	}
}

func TestSendWithoutConfig(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendPasswordResetEmail("ann@example.com", "Ann", "https://x"); err == nil {
		t.Error("expected an error when SMTP is not configured")
	}
}
