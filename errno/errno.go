// Package errno defines the error code space shared by the storage stack.
//
// Codes are grouped into contiguous bands, one per subsystem, so that a
// caller can classify an unrecognized code by numeric range alone. Every
// code is an Errno and therefore an ordinary Go error; failing operations
// return (wrapped) Errno values and callers classify with errors.Is.
package errno

import "fmt"

type Errno int32

// Band boundaries. Each subsystem owns a fixed range of 100 codes.
const (
	BandGeneric Errno = 0
	BandFs      Errno = 100
	BandExec    Errno = 200
	BandBlk     Errno = 300
	BandProc    Errno = 400
	BandMem     Errno = 500

	bandSize = 100
)

// Generic POSIX-like errors.
const (
	EPERM   Errno = 1
	ENOENT  Errno = 2
	EIO     Errno = 5
	EBADF   Errno = 9
	ENOMEM  Errno = 12
	EEXIST  Errno = 17
	ENODEV  Errno = 19
	ENOTDIR Errno = 20
	EISDIR  Errno = 21
	EINVAL  Errno = 22
	EMFILE  Errno = 24
	ENOSPC  Errno = 28
	EROFS   Errno = 30
	ENOSYS  Errno = 38

	ENOTEMPTY Errno = 39
	ENOTSUP   Errno = 95
)

// Filesystem format errors.
const (
	EFSBADSUPER Errno = BandFs + iota // malformed or missing superblock
	EFSBADINO                         // inode number out of range
	EFSCORRUPT                        // on-disk structure inconsistent
	EFSBADDIR                         // malformed directory entry
)

// Executable loader errors. The loader itself lives outside this module;
// the band stays reserved so its codes never collide with ours.
const (
	EEXECBADFMT Errno = BandExec + iota
	EEXECBADARCH
)

// Block transport errors.
const (
	EBLKNODEV   Errno = BandBlk + iota // no device at probed address
	EBLKTIMEOUT                        // device never posted a completion
	EBLKUNSUPP                         // feature or request type not negotiated
	EBLKIO                             // device reported an I/O error
)

// Process errors (reserved).
const (
	EPROCLIMIT Errno = BandProc + iota
	EPROCSTATE
)

// Memory errors.
const (
	EMEMFAULT Errno = BandMem + iota // bus address outside guest memory
	EMEMALIGN                        // misaligned allocation request
)

var messages = map[Errno]string{
	EPERM:   "operation not permitted",
	ENOENT:  "no such file or directory",
	EIO:     "input/output error",
	EBADF:   "bad file descriptor",
	ENOMEM:  "out of memory",
	EEXIST:  "file exists",
	ENODEV:  "no such device",
	ENOTDIR: "not a directory",
	EISDIR:  "is a directory",
	EINVAL:  "invalid argument",
	EMFILE:  "too many open files",
	ENOSPC:  "no space left on device",
	EROFS:   "read-only filesystem",
	ENOSYS:  "function not implemented",

	ENOTEMPTY: "directory not empty",
	ENOTSUP:   "operation not supported",

	EFSBADSUPER: "bad superblock",
	EFSBADINO:   "bad inode number",
	EFSCORRUPT:  "filesystem corrupted",
	EFSBADDIR:   "bad directory entry",

	EEXECBADFMT:  "bad executable format",
	EEXECBADARCH: "wrong executable architecture",

	EBLKNODEV:   "no block device",
	EBLKTIMEOUT: "block device timeout",
	EBLKUNSUPP:  "block device operation unsupported",
	EBLKIO:      "block device I/O error",

	EPROCLIMIT: "process limit reached",
	EPROCSTATE: "invalid process state",

	EMEMFAULT: "bad memory address",
	EMEMALIGN: "bad memory alignment",
}

func (e Errno) Error() string {
	return Describe(e)
}

// Band returns the lower bound of the band the code belongs to.
func (e Errno) Band() Errno {
	if e < 0 {
		e = -e
	}
	return (e / bandSize) * bandSize
}

// Describe maps any code, recognized or not, to a non-empty string.
func Describe(e Errno) string {
	if msg, ok := messages[e]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error %d", int32(e))
}
