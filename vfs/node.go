// Package vfs dispatches a POSIX-like file descriptor API onto pluggable
// filesystem backends. Backends expose exactly the capabilities they
// support as interfaces; the dispatch layer probes for them per call and
// answers ENOTSUP where a capability is missing.
package vfs

// NodeType classifies a resolved node.
type NodeType uint8

const (
	TypeUnknown NodeType = iota
	TypeFile
	TypeDir
	TypeSymlink
)

func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Node is the minimum every backend object implements. Everything else is
// an optional capability.
type Node interface {
	Size() uint64
	Type() NodeType
}

// FileReader is a node whose byte content can be read at an offset.
type FileReader interface {
	Node
	ReadAt(p []byte, off uint64) (int, error)
}

// FileWriter is a node whose byte content can be written at an offset.
type FileWriter interface {
	Node
	WriteAt(p []byte, off uint64) (int, error)
}

// Truncater is a node whose size can be changed in place.
type Truncater interface {
	Node
	Truncate(size uint64) error
}

// Directory is a node whose children can be resolved and enumerated.
type Directory interface {
	Node
	Lookup(name string) (Node, error)
	ReadDir() ([]DirInfo, error)
}

// MutableDirectory is a directory whose entries can be created and removed.
type MutableDirectory interface {
	Directory
	Create(name string) (Node, error)
	Mkdir(name string) (Node, error)
	Rmdir(name string) error
	Unlink(name string) error
}

// Opener is notified when a descriptor is bound to the node.
type Opener interface {
	Open() error
}

// Closer is notified when the last use of a descriptor ends.
type Closer interface {
	Close() error
}

// DirInfo is one directory entry as reported by ReadDir.
type DirInfo struct {
	Name string
	Type NodeType
	Ino  uint64
}

// Stat is the metadata snapshot returned for a resolved path.
type Stat struct {
	Size uint64
	Type NodeType
}
