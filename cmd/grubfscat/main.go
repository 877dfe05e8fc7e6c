// Command grubfscat is the reference front-end over the grubcore runtime: it
// opens a disk image through the hostdisk loopback backend, resolves an
// optional partition spec against it, probes it for a
// recognized filesystem, and either lists a directory or dumps a file —
// exercising the same Core.Open/FS.Dir/FS.Open path a real firmware
// environment would use from its command interpreter.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jmason/grubcore/core"
	"github.com/jmason/grubcore/cryptodisk"
	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/disk/backend/hostdisk"
	"github.com/jmason/grubcore/diskfilter"
	"github.com/jmason/grubcore/fs"
	"github.com/jmason/grubcore/fs/affs"
	"github.com/jmason/grubcore/fs/minix"
	"github.com/jmason/grubcore/fs/sfs"
	"github.com/jmason/grubcore/fs/ufs"
	"github.com/jmason/grubcore/partmap"
)

// newCore wires up a Core exactly as a freestanding boot environment's init
// sequence would: one hostdisk loopback image openable as "hostdisk/img", every
// partition map prober, the LVM and LUKS1 stacking layers, and every
// in-scope filesystem driver.
func newCore(imagePath string) (*core.Core, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	c := core.New()

	host := hostdisk.New()
	host.Register("img", &hostdisk.Stream{
		RW:            f,
		LogSectorSize: 9,
		TotalSectors:  uint64(fi.Size()) / 512,
	})
	c.Backends.Register(host)

	c.PartMaps.Register(partmap.MSDOS{})
	c.PartMaps.Register(partmap.GPT{})
	c.PartMaps.Register(partmap.BSD{})

	c.Backends.Register(diskfilter.NewBackend(c))
	c.Backends.Register(cryptodisk.NewBackend(c, cryptodisk.LUKS1{}))

	c.FS.Register(affs.New())
	c.FS.Register(minix.New())
	c.FS.Register(ufs.New())
	c.FS.Register(sfs.New())

	return c, nil
}

func main() {
	app := &cli.App{
		Name:  "grubfscat",
		Usage: "probe a disk image and read files through the grubcore runtime",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "list a directory",
				ArgsUsage: "IMAGE DISKSPEC [PATH]",
				Action:    runLs,
			},
			{
				Name:      "cat",
				Usage:     "dump a file's contents to stdout",
				ArgsUsage: "IMAGE DISKSPEC PATH",
				Action:    runCat,
			},
			{
				Name:      "mount",
				Usage:     "probe a disk and print the recognized filesystem and volume label",
				ArgsUsage: "IMAGE DISKSPEC",
				Action:    runMount,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("grubfscat: %s", err)
	}
}

// openImage builds a Core for the image named by the command's first
// argument and opens the image, narrowed by the partition chain named by its
// second (e.g. "msdos1,bsd1"). LVM and LUKS1 disks are not reachable from
// here: nothing calls ScanAll or AutoMount.
func openImage(ctx *cli.Context) (*core.Core, *disk.Disk, error) {
	c, err := newCore(ctx.Args().Get(0))
	if err != nil {
		return nil, nil, err
	}
	d, err := c.Open("hostdisk/img," + ctx.Args().Get(1))
	if err != nil {
		return nil, nil, err
	}
	return c, d, nil
}

func runMount(ctx *cli.Context) error {
	c, d, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer c.Close(d)

	m, drv, err := c.FS.Probe(d)
	if err != nil {
		return err
	}
	fmt.Printf("filesystem: %s\n", drv.Name())
	if label, err := m.Label(); err == nil {
		fmt.Printf("label: %s\n", label)
	}
	if uuid, err := m.UUID(); err == nil {
		fmt.Printf("uuid: %s\n", uuid)
	}
	return nil
}

func runLs(ctx *cli.Context) error {
	c, d, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer c.Close(d)

	path := ctx.Args().Get(2)
	if path == "" {
		path = "/"
	}

	return c.FS.Dir(d, path, func(name string, info fs.Info) bool {
		fmt.Printf("%10s  %s\n", humanize.Bytes(uint64(info.Size)), name)
		return true
	})
}

func runCat(ctx *cli.Context) error {
	c, d, err := openImage(ctx)
	if err != nil {
		return err
	}
	defer c.Close(d)

	n, err := c.FS.Open(d, ctx.Args().Get(2))
	if err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	var off int64
	for {
		nr, err := n.ReadAt(buf, off)
		if nr > 0 {
			if _, werr := os.Stdout.Write(buf[:nr]); werr != nil {
				return werr
			}
			off += int64(nr)
		}
		if err != nil {
			return err
		}
		if nr == 0 {
			return nil
		}
	}
}
