package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/platform"
	"github.com/srg/blelink/internal/testutils"
)

const fakeBackend = "fake"

// syncBuffer lets a test read output while a command is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// sharedNative keeps the suite's stack open when a command closes its central,
// so one test can run several commands against the same peripherals.
type sharedNative struct {
	*testutils.FakeNative
}

func (sharedNative) Close() error { return nil }

// CommandTestSuite runs blelink commands against the scripted native stack.
// All cmd/blelink suites embed it.
type CommandTestSuite struct {
	testutils.FakeNativeSuite
}

func (s *CommandTestSuite) SetupTest() {
	s.FakeNativeSuite.SetupTest()

	native := s.Native
	bridge.Register(fakeBackend, func(*logrus.Logger) (bridge.Native, error) {
		return sharedNative{native}, nil
	})
	permissionCheck = platform.Always
	color.NoColor = true
}

// Execute runs the root command with args and returns what it wrote to stdout and stderr.
func (s *CommandTestSuite) Execute(args ...string) (stdout, stderr string, err error) {
	out, errOut := &syncBuffer{}, &syncBuffer{}
	err = s.ExecuteTo(out, errOut, args...)
	return out.String(), errOut.String(), err
}

// ExecuteTo runs the root command writing to the given buffers.
func (s *CommandTestSuite) ExecuteTo(out, errOut *syncBuffer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(append(args, "--backend", fakeBackend))
	return root.ExecuteContext(s.Context())
}

// writeConfig stores a YAML config for --config and returns its path.
func (s *CommandTestSuite) writeConfig(yaml string) string {
	path := filepath.Join(s.T().TempDir(), "blelink.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(yaml), 0o600))
	return path
}
