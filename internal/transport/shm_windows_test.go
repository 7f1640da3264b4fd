//go:build windows

package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
	"pgregory.net/rapid"
)

const helperEnv = "CONEXPECT_TRANSPORT_HELPER"

// TestMain doubles as a stand-in peer process: with helperEnv set the test
// binary just blocks on stdin until it is killed.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		var b [1]byte
		os.Stdin.Read(b[:])
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var boxSeq atomic.Int64

func boxName(t testing.TB) string {
	name := strings.NewReplacer("/", "-", `\`, "-").Replace(t.Name())
	return fmt.Sprintf("conexpect-test-%d-%s-%d", os.Getpid(), name, boxSeq.Add(1))
}

func shmPair(t *testing.T, shm *SharedMemory, slots, size int) (Endpoint, Endpoint) {
	t.Helper()
	name := boxName(t)
	a, err := shm.Create(name, slots, size)
	require.NoError(t, err)
	b, err := shm.Create(name, slots, size)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSharedMemory_FIFO(t *testing.T) {
	prod, cons := shmPair(t, &SharedMemory{}, 4, 8)
	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, prod.Post([]byte(s)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := cons.Receive(context.Background())
		require.NoError(t, err)
		require.Len(t, got, 8, "slots are fixed size")
		require.Equal(t, want, string(got[:len(want)]))
	}
}

func TestSharedMemory_OrderPreserved(t *testing.T) {
	shm := &SharedMemory{}
	rapid.Check(t, func(rt *rapid.T) {
		name := boxName(t)
		prod, err := shm.Create(name, 64, 1)
		if err != nil {
			rt.Fatal(err)
		}
		defer prod.Close()
		cons, err := shm.Create(name, 64, 1)
		if err != nil {
			rt.Fatal(err)
		}
		defer cons.Close()

		msgs := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "msgs")
		for _, m := range msgs {
			if err := prod.Post([]byte{m}); err != nil {
				rt.Fatal(err)
			}
		}
		for i, want := range msgs {
			got, err := cons.TryReceive()
			if err != nil {
				rt.Fatal(err)
			}
			if got[0] != want {
				rt.Fatalf("message %d: got %d want %d", i, got[0], want)
			}
		}
	})
}

func TestSharedMemory_FullFailsFast(t *testing.T) {
	prod, _ := shmPair(t, &SharedMemory{}, 2, 4)
	require.NoError(t, prod.Post([]byte("a")))
	require.NoError(t, prod.Post([]byte("b")))

	start := time.Now()
	require.ErrorIs(t, prod.Post([]byte("c")), ErrFull)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSharedMemory_TooLarge(t *testing.T) {
	prod, _ := shmPair(t, &SharedMemory{}, 2, 4)
	require.ErrorIs(t, prod.Post([]byte("12345")), ErrTooLarge)
}

func TestSharedMemory_GeometryMismatch(t *testing.T) {
	shm := &SharedMemory{}
	name := boxName(t)
	a, err := shm.Create(name, 4, 8)
	require.NoError(t, err)
	defer a.Close()

	_, err = shm.Create(name, 4, 16)
	require.ErrorIs(t, err, ErrGeometry)
	_, err = shm.Create(name, 5, 8)
	require.ErrorIs(t, err, ErrGeometry)

	_, err = shm.Create(name, 0, 8)
	require.Error(t, err)
}

func TestSharedMemory_ReceiveCancelledPromptly(t *testing.T) {
	_, cons := shmPair(t, &SharedMemory{}, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := cons.Receive(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("receive did not observe cancellation")
	}
}

func TestSharedMemory_CancelDoesNotConsume(t *testing.T) {
	prod, cons := shmPair(t, &SharedMemory{}, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cons.Receive(ctx)
	require.ErrorIs(t, err, ErrCancelled)

	require.NoError(t, prod.Post([]byte("x")))
	got, err := cons.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, byte('x'), got[0])
}

func TestSharedMemory_QueuedMessageWinsOverCancel(t *testing.T) {
	prod, cons := shmPair(t, &SharedMemory{}, 2, 4)
	require.NoError(t, prod.Post([]byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := cons.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, byte('x'), got[0])
}

func TestSharedMemory_ClosedEndpoint(t *testing.T) {
	prod, _ := shmPair(t, &SharedMemory{}, 2, 4)
	require.NoError(t, prod.Close())
	require.NoError(t, prod.Close())
	require.ErrorIs(t, prod.Post([]byte("x")), ErrClosed)
	_, err := prod.TryReceive()
	require.ErrorIs(t, err, ErrClosed)
}

func TestSharedMemory_CloseWakesReceiver(t *testing.T) {
	_, cons := shmPair(t, &SharedMemory{}, 2, 4)
	errc := make(chan error, 1)
	go func() {
		_, err := cons.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cons.Close())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receive blocked past close")
	}
}

func TestSharedMemory_FailedPostKeepsSlot(t *testing.T) {
	prod, cons := shmPair(t, &SharedMemory{}, 2, 4)
	e := prod.(*shmEndpoint)

	lock := e.lock
	e.lock = 0
	require.Error(t, prod.Post([]byte("x")))
	e.lock = lock

	// Both slots are still free.
	require.NoError(t, prod.Post([]byte("a")))
	require.NoError(t, prod.Post([]byte("b")))
	got, err := cons.TryReceive()
	require.NoError(t, err)
	require.Equal(t, byte('a'), got[0])
}

func TestSharedMemory_FailedTakeKeepsMessage(t *testing.T) {
	prod, cons := shmPair(t, &SharedMemory{}, 2, 4)
	require.NoError(t, prod.Post([]byte("a")))
	e := cons.(*shmEndpoint)

	lock := e.lock
	e.lock = 0
	_, err := cons.TryReceive()
	require.Error(t, err)
	e.lock = lock

	got, err := cons.TryReceive()
	require.NoError(t, err)
	require.Equal(t, byte('a'), got[0])
}

// startPeer runs the test binary as a peer process and returns a handle
// that signals when it exits.
func startPeer(t *testing.T) (*exec.Cmd, windows.Handle) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
	})

	h, err := windows.OpenProcess(windows.SYNCHRONIZE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(cmd.Process.Pid))
	require.NoError(t, err)
	t.Cleanup(func() { windows.CloseHandle(h) })
	return cmd, h
}

func TestSharedMemory_PeerExitBreaksEndpoints(t *testing.T) {
	cmd, peer := startPeer(t)
	prod, cons := shmPair(t, &SharedMemory{Peer: peer}, 2, 4)

	require.NoError(t, prod.Post([]byte("x")))

	errc := make(chan error, 1)
	go func() {
		got, err := cons.Receive(context.Background())
		if err == nil && got[0] == 'x' {
			_, err = cons.Receive(context.Background())
		}
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cmd.Process.Kill())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrBroken)
	case <-time.After(5 * time.Second):
		t.Fatal("receive blocked on a dead peer")
	}
	require.ErrorIs(t, prod.Post([]byte("y")), ErrBroken)
}

func TestSharedMemory_DrainsBeforeReportingBroken(t *testing.T) {
	cmd, peer := startPeer(t)
	prod, cons := shmPair(t, &SharedMemory{Peer: peer}, 4, 4)

	require.NoError(t, prod.Post([]byte("last")))
	require.NoError(t, cmd.Process.Kill())
	cmd.Wait()

	got, err := cons.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "last", string(got))

	_, err = cons.Receive(context.Background())
	require.ErrorIs(t, err, ErrBroken)
}
