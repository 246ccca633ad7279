package module

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	Register("sysinfo", func() Module { return &sysinfo{} })
	Register("echo", func() Module { return &echo{} })
}

// sysinfo reports facts about the host.
type sysinfo struct {
	user *User
}

func (m *sysinfo) Init(ctx context.Context, user *User) error {
	m.user = user
	return nil
}

func (m *sysinfo) Methods() map[string]Method {
	return map[string]Method{
		"get":    m.get,
		"whoami": m.whoami,
	}
}

func (m *sysinfo) get(ctx context.Context, req *Request) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, err
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, err
	}
	const loadScale = 1 << 16
	return map[string]any{
		"hostname": hostname,
		"kernel":   unix.ByteSliceToString(uts.Release[:]),
		"arch":     unix.ByteSliceToString(uts.Machine[:]),
		"uptime":   (time.Duration(si.Uptime) * time.Second).String(),
		"load": []float64{
			float64(si.Loads[0]) / loadScale,
			float64(si.Loads[1]) / loadScale,
			float64(si.Loads[2]) / loadScale,
		},
		"procs": si.Procs,
	}, nil
}

func (m *sysinfo) whoami(ctx context.Context, req *Request) (any, error) {
	return map[string]any{
		"username": m.user.Username,
		"dn":       m.user.DN,
		"locale":   req.Locale,
		"flavor":   req.Flavor,
		"client":   req.ClientIP,
	}, nil
}

// echo returns what it was sent. raw answers with a non-JSON body.
type echo struct{}

func (echo) Init(context.Context, *User) error { return nil }

func (e echo) Methods() map[string]Method {
	return map[string]Method{
		"run":  e.run,
		"raw":  e.raw,
		"text": e.text,
		"fail": e.fail,
	}
}

func (echo) run(ctx context.Context, req *Request) (any, error) {
	return req.Options, nil
}

func (echo) raw(ctx context.Context, req *Request) (any, error) {
	data, err := json.MarshalIndent(req.Options, "", "  ")
	if err != nil {
		return nil, err
	}
	return Raw{ContentType: "text/plain; charset=utf-8", Data: data}, nil
}

func (echo) text(ctx context.Context, req *Request) (any, error) {
	text, err := req.String("text")
	if err != nil {
		return nil, err
	}
	return text, nil
}

func (echo) fail(ctx context.Context, req *Request) (any, error) {
	reason, _ := req.String("reason")
	if reason == "panic" {
		panic("echo was asked to panic")
	}
	return nil, Failf("echo was asked to fail: %s", reason)
}
