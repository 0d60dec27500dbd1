package example

import (
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/embd-io/go-blkvfs/bonjour"
	"github.com/embd-io/go-blkvfs/config"
	"github.com/embd-io/go-blkvfs/dma"
	"github.com/embd-io/go-blkvfs/ext2"
	"github.com/embd-io/go-blkvfs/stats"
	"github.com/embd-io/go-blkvfs/vfs"
	"github.com/embd-io/go-blkvfs/virtio"
	"github.com/embd-io/go-blkvfs/virtio/vdev"
)

// DMA arena for the driver's rings and bounce buffers.
const (
	arenaSize = 4 << 20
	arenaBase = 0x8000_0000
)

// Stack is the whole pipeline over one volume: software block device,
// virtio driver, mounted filesystem and the descriptor layer.
type Stack struct {
	Mem *dma.Memory
	Dev *virtio.Device
	FS  *ext2.FileSystem
	VFS *vfs.VFS

	vol vdev.Volume
}

// MountVolume brings the pipeline up over vol.
func MountVolume(vol vdev.Volume, cfg config.AppConfig) (*Stack, error) {
	mem := dma.NewMemory(arenaSize, arenaBase)

	var opts []vdev.Option
	if cfg.ReadOnly {
		opts = append(opts, vdev.ReadOnly())
	}
	if cfg.QueueSize > 0 {
		opts = append(opts, vdev.WithQueueMax(uint16(cfg.QueueSize)))
	}
	bus := vdev.New(mem, vol, opts...)

	dev, err := virtio.Probe(bus, mem, virtio.WithPollTimeout(cfg.PollTimeout))
	if err != nil {
		return nil, fmt.Errorf("probing block device: %w", err)
	}

	fs, err := ext2.Mount(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	root, err := fs.Root()
	if err != nil {
		fs.Unmount()
		dev.Close()
		return nil, err
	}

	v := vfs.New()
	v.MountRoot(root)
	return &Stack{Mem: mem, Dev: dev, FS: fs, VFS: v, vol: vol}, nil
}

// MountImage maps the image file and brings the pipeline up over it.
func MountImage(cfg config.AppConfig) (*Stack, error) {
	vol, err := vdev.OpenFileVolume(cfg.Image, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}
	s, err := MountVolume(vol, cfg)
	if err != nil {
		vol.Close()
		return nil, err
	}
	return s, nil
}

// Close tears the pipeline down in reverse order.
func (s *Stack) Close() {
	s.FS.Unmount()
	s.Dev.Close()
	if c, ok := s.vol.(interface{ Close() error }); ok {
		c.Close()
	}
}

// Cat returns the whole content of the file at path.
func (s *Stack) Cat(path string) ([]byte, error) {
	st, err := s.VFS.Stat(path)
	if err != nil {
		return nil, err
	}
	fd, err := s.VFS.Open(path, vfs.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer s.VFS.Close(fd)

	out := make([]byte, st.Size)
	var done int
	for done < len(out) {
		n, err := s.VFS.Read(fd, out[done:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		done += n
	}
	return out[:done], nil
}

// List enumerates the directory at path.
func (s *Stack) List(path string) ([]vfs.DirInfo, error) {
	return s.VFS.ReadDir(path)
}

func Run(cfg config.AppConfig) {

	InitLogs(cfg)

	if cfg.ConfigFile != "" {
		stop, err := config.Watch(cfg.ConfigFile, cfg, func(nc config.AppConfig) {
			if nc.Debug {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
		})
		if err != nil {
			log.Errorf("watching %s: %v", cfg.ConfigFile, err)
		} else {
			defer stop()
		}
	}

	s, err := MountImage(cfg)
	if err != nil {
		log.Fatalf("mounting %s: %v", cfg.Image, err)
	}
	defer s.Close()

	log.Infof("Serving image %s: %d sectors, read-only=%v",
		cfg.Image, s.Dev.Capacity(), s.Dev.ReadOnly())
	if ents, err := s.List("/"); err == nil {
		for _, e := range ents {
			log.Debugf("/%s (%s)", e.Name, e.Type)
		}
	}

	go stats.StatServer(cfg.StatAddr)
	if cfg.Advertise {
		go bonjour.Advertise(cfg.StatAddr, cfg.Hostname, cfg.Hostname, cfg.Image)
	}

	WaitSignal()
}

func InitLogs(cfg config.AppConfig) {
	log.Infof("debug level %v", cfg.Debug)
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	homeDir, _ := os.UserHomeDir()
	if !cfg.Console {
		log.SetOutput(&lumberjack.Logger{
			Filename:   homeDir + "/blkvfs.log",
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28,   //days
			Compress:   true, // disabled by default
		})
	} else {
		log.SetOutput(os.Stdout)
	}
}

func WaitSignal() {
	// Ctrl+C handling
	handler := make(chan os.Signal, 1)
	signal.Notify(handler, os.Interrupt)
	for sig := range handler {
		if sig == os.Interrupt {
			bonjour.Shutdown()
			break
		}
	}
}
