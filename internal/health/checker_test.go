package health

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestCheckerRun(t *testing.T) {
	tests := []struct {
		name      string
		checks    []Check
		wantReady bool
		wantOK    bool
		wantFail  []string
	}{
		{
			name:      "no checks",
			wantReady: true,
			wantOK:    true,
		},
		{
			name: "all healthy",
			checks: []Check{
				{Name: "redis", Required: true, Fn: func(context.Context) error { return nil }},
				{Name: "jwks", Required: true, Fn: func(context.Context) error { return nil }},
			},
			wantReady: true,
			wantOK:    true,
		},
		{
			name: "optional failure degrades only",
			checks: []Check{
				{Name: "redis", Required: true, Fn: func(context.Context) error { return nil }},
				{Name: "opera-service", Fn: func(context.Context) error { return errors.New("refused") }},
			},
			wantReady: true,
			wantOK:    false,
			wantFail:  []string{"opera-service"},
		},
		{
			name: "required failure",
			checks: []Check{
				{Name: "redis", Required: true, Fn: func(context.Context) error { return errors.New("refused") }},
				{Name: "jwks", Required: true, Fn: func(context.Context) error { panic("boom") }},
			},
			wantReady: false,
			wantOK:    false,
			wantFail:  []string{"jwks", "redis"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(Config{})
			for _, check := range tt.checks {
				c.Register(check)
			}

			report := c.Run(context.Background())
			if report.Ready != tt.wantReady {
				t.Errorf("Ready = %v, want %v", report.Ready, tt.wantReady)
			}
			if report.Healthy != tt.wantOK {
				t.Errorf("Healthy = %v, want %v", report.Healthy, tt.wantOK)
			}
			if got := report.Failed(); !reflect.DeepEqual(got, tt.wantFail) {
				t.Errorf("Failed() = %v, want %v", got, tt.wantFail)
			}
			for name, res := range report.Checks {
				if res.ResponseTime == "" || res.Timestamp.IsZero() {
					t.Errorf("check %s missing timing: %+v", name, res)
				}
			}
		})
	}
}

func TestCheckerTimeout(t *testing.T) {
	c := NewChecker(Config{DefaultTimeout: 20 * time.Millisecond})
	c.Register(Check{Name: "slow", Required: true, Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	start := time.Now()
	report := c.Run(context.Background())
	if time.Since(start) > time.Second {
		t.Fatalf("check was not bounded by its timeout")
	}
	if report.Ready {
		t.Error("expected slow check to fail readiness")
	}
	if report.Checks["slow"].Message != context.DeadlineExceeded.Error() {
		t.Errorf("unexpected message: %q", report.Checks["slow"].Message)
	}
}

func TestCheckerOnChange(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []Status
	)
	healthy := true

	c := NewChecker(Config{OnChange: func(name string, s Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	}})
	c.Register(Check{Name: "redis", Fn: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	}})

	if got := c.GetStatus("redis"); got != StatusUnknown {
		t.Errorf("expected unknown before first run, got %s", got)
	}

	c.Run(context.Background())
	healthy = false
	c.Run(context.Background())
	c.Run(context.Background())
	healthy = true
	c.Run(context.Background())

	if c.GetStatus("redis") != StatusHealthy {
		t.Errorf("expected healthy, got %s", c.GetStatus("redis"))
	}
	want := []Status{StatusUnhealthy, StatusHealthy}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestRegisterReplaces(t *testing.T) {
	c := NewChecker(Config{})
	c.Register(Check{Name: "redis", Fn: func(context.Context) error { return errors.New("old") }})
	c.Register(Check{Name: "redis", Fn: func(context.Context) error { return nil }})

	if c.Len() != 1 {
		t.Fatalf("expected 1 check, got %d", c.Len())
	}
	if !c.Run(context.Background()).Healthy {
		t.Error("expected replaced check to run")
	}
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := TCPCheck(ln.Addr().String())(ctx); err != nil {
		t.Errorf("expected open listener to pass, got %v", err)
	}
	if err := TCPCheck("127.0.0.1:1")(ctx); err == nil {
		t.Error("expected closed port to fail")
	}
}
