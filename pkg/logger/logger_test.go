package logger

import (
	"slices"
	"testing"
)

type recorder struct {
	lines []string
}

func (r *recorder) Log(m string, _ ...any)   { r.lines = append(r.lines, "log:"+m) }
func (r *recorder) Debug(m string, _ ...any) { r.lines = append(r.lines, "debug:"+m) }
func (r *recorder) Info(m string, _ ...any)  { r.lines = append(r.lines, "info:"+m) }
func (r *recorder) Warn(m string, _ ...any)  { r.lines = append(r.lines, "warn:"+m) }
func (r *recorder) Error(m string, _ ...any) { r.lines = append(r.lines, "error:"+m) }
func (r *recorder) Fatal(m string, _ ...any) { r.lines = append(r.lines, "fatal:"+m) }

func TestDispatchToAllBackends(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Init(a, b)
	t.Cleanup(func() { Init() })

	Info("one")
	Warn("two", "k", "v")
	Debug("three")

	want := []string{"info:one", "warn:two", "debug:three"}
	if !slices.Equal(a.lines, want) || !slices.Equal(b.lines, want) {
		t.Fatalf("got %v and %v, want %v", a.lines, b.lines, want)
	}
}

func TestNoBackends(t *testing.T) {
	Init()
	Info("nothing happens")
	Error("still nothing")
}
