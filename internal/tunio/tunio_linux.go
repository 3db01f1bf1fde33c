//go:build linux

// Package tunio creates and tears down a persistent Linux TUN interface on
// behalf of the nat64ctl CLI. The translation pipeline itself never creates
// a TUN device — it only ever consumes the raw file descriptors a caller
// hands it — so this package has exactly one consumer, nat64ctl's mktun
// and rmtun verbs. Grounded on the reference implementation's
// t64_init_io.c.
package tunio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const devNetTun = "/dev/net/tun"

// Open requests a TUN interface named ifName from the kernel, creating it
// if it does not already exist, and returns the resulting file descriptor.
// The interface is always opened IFF_TUN|IFF_NO_PI; IFF_MULTI_QUEUE is set
// whenever workers is greater than one, matching the reference's rule that
// the device is only multi-queue when more than one thread will open it.
func Open(ifName string, workers int) (*os.File, error) {
	flags := unix.IFF_TUN | unix.IFF_NO_PI
	if workers > 1 {
		flags |= unix.IFF_MULTI_QUEUE
	}

	f, err := os.OpenFile(devNetTun, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devNetTun, err)
	}

	ifr, err := unix.NewIfreq(ifName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("build ifreq for %q: %w", ifName, err)
	}
	ifr.SetUint16(uint16(flags))

	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, ifr); err != nil {
		f.Close()
		return nil, fmt.Errorf("TUNSETIFF %q: %w", ifName, err)
	}

	if got := ifr.Name(); got != ifName {
		f.Close()
		return nil, fmt.Errorf("kernel returned interface %q, wanted %q", got, ifName)
	}

	return f, nil
}

// SetPersistent sets or clears the TUN interface's persistence bit: a
// persistent interface survives the owning process exiting, so a
// supervisor can create it once with mktun and hand it to repeated
// nat64ctl translate invocations.
func SetPersistent(f *os.File, persistent bool) error {
	v := 0
	if persistent {
		v = 1
	}
	if err := unix.IoctlSetInt(int(f.Fd()), unix.TUNSETPERSIST, v); err != nil {
		return fmt.Errorf("TUNSETPERSIST(%v): %w", persistent, err)
	}
	return nil
}

// SetOwner chdows a persistent TUN interface to the given uid/gid so an
// unprivileged supervised process can reopen it. A negative value leaves
// the corresponding ownership unchanged.
func SetOwner(f *os.File, uid, gid int) error {
	if uid >= 0 {
		if err := unix.IoctlSetInt(int(f.Fd()), unix.TUNSETOWNER, uid); err != nil {
			return fmt.Errorf("TUNSETOWNER(%d): %w", uid, err)
		}
	}
	if gid >= 0 {
		if err := unix.IoctlSetInt(int(f.Fd()), unix.TUNSETGROUP, gid); err != nil {
			return fmt.Errorf("TUNSETGROUP(%d): %w", gid, err)
		}
	}
	return nil
}

// Mktun creates (or reopens) a persistent TUN interface named ifName,
// optionally chowning it to uid/gid, and closes the kernel handle used to
// request it — the interface itself stays alive in the kernel.
func Mktun(ifName string, uid, gid int) error {
	f, err := Open(ifName, 1)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := SetPersistent(f, true); err != nil {
		return err
	}
	return SetOwner(f, uid, gid)
}

// Rmtun removes a persistent TUN interface's persistence bit, letting the
// kernel destroy it once the last handle closes.
func Rmtun(ifName string) error {
	f, err := Open(ifName, 1)
	if err != nil {
		return err
	}
	defer f.Close()

	return SetPersistent(f, false)
}
