// Package uplinktest provides a scripted uplink for tests.
package uplinktest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fortressi/castle/uplink"
)

var _ uplink.Uplink = (*Scripted)(nil)

// Call records one command issued through a Scripted uplink.
type Call struct {
	Args []string
	At   time.Time
}

// Scripted returns the exit statuses in Codes in order, then Default.
type Scripted struct {
	Name    string
	Codes   []int
	Default int
	// Err, when set, is returned by every Run and Fetch as a transport
	// failure.
	Err error

	mu      sync.Mutex
	calls   []Call
	fetches []string
}

// New returns a Scripted uplink answering with codes, then 0.
func New(name string, codes ...int) *Scripted {
	return &Scripted{Name: name, Codes: slices.Clone(codes)}
}

func (s *Scripted) next() int {
	if len(s.Codes) == 0 {
		return s.Default
	}
	code := s.Codes[0]
	s.Codes = s.Codes[1:]
	return code
}

func (s *Scripted) Run(_ context.Context, args []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Args: slices.Clone(args), At: time.Now()})
	if s.Err != nil {
		return -1, s.Err
	}
	return s.next(), nil
}

func (s *Scripted) Fetch(_ context.Context, remotePath, localDir string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, remotePath+" -> "+localDir)
	if s.Err != nil {
		return -1, s.Err
	}
	return s.next(), nil
}

func (s *Scripted) Shell(_ context.Context, args []string, stdio uplink.Stdio) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Args: slices.Clone(args), At: time.Now()})
	s.mu.Unlock()
	if stdio.Out != nil {
		fmt.Fprintf(stdio.Out, "%s: %s\n", s.Name, strings.Join(args, " "))
	}
	return nil
}

// Calls returns the commands issued so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Fetches returns the copies requested so far as "remote -> local".
func (s *Scripted) Fetches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fetches)
}

func (s *Scripted) String() string {
	return "scripted(" + s.Name + ")"
}
