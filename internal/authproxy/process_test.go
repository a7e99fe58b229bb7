//go:build !windows

package authproxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is re-executed as the auth proxy
// child by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_AUTHPROXY_HELPER") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "serve":
		if os.Getenv("API_PREFIX") == "" {
			fmt.Fprintln(os.Stderr, "missing API_PREFIX")
			os.Exit(3)
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			os.Exit(4)
		}
		fmt.Fprintln(os.Stderr, "http: TLS handshake error from 127.0.0.1:5555: EOF")
		fmt.Println("some preamble")
		fmt.Printf("starting to serve on %s\n", ln.Addr())
		for {
			conn, err := ln.Accept()
			if err != nil {
				os.Exit(0)
			}
			conn.Close()
		}
	case "exit":
		fmt.Fprintln(os.Stderr, "error loading kubeconfig")
		os.Exit(2)
	case "silent":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helperCommand(mode string) Command {
	return Command{
		ClusterID: "helper",
		Path:      os.Args[0],
		Args:      []string{"-test.run=^TestHelperProcess$"},
		Env: map[string]string{
			"GO_WANT_AUTHPROXY_HELPER": "1",
			"HELPER_MODE":              mode,
			"API_PREFIX":               "/abc",
		},
		APIPrefix: "/abc",
	}
}

func TestExecSupervisor_RunReady(t *testing.T) {
	sup := NewExecSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := sup.Run(ctx, helperCommand("serve"))
	require.NoError(t, err)

	ep := proc.Endpoint()
	assert.NotZero(t, ep.Port)
	assert.Equal(t, "/abc", ep.APIPrefix)
	assert.NotZero(t, proc.PID())

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ep.Port))
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, proc.Exit())
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	// Exit is idempotent.
	assert.NoError(t, proc.Exit())
}

func TestExecSupervisor_ExitBeforeReady(t *testing.T) {
	sup := NewExecSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := sup.Run(ctx, helperCommand("exit"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before becoming ready")
}

func TestExecSupervisor_ReadyTimeout(t *testing.T) {
	sup := NewExecSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := sup.Run(ctx, helperCommand("silent"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecSupervisor_MissingBinary(t *testing.T) {
	sup := NewExecSupervisor()
	_, err := sup.Run(context.Background(), Command{ClusterID: "x", Path: "/nonexistent/kube-auth-proxy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}
