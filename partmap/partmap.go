// Package partmap implements partition-table probing: MS-DOS (with its
// extended/EBR chain), GPT, and BSD disklabel, the three schemes the core
// depends on directly (spec.md §4.4). Other schemes (Solaris, etc.) follow
// the same Prober shape and would register the same way.
package partmap

import (
	"strconv"
	"strings"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
)

// Prober locates the Nth partition of one partitioning scheme on a disk.
// FindPartition is called with d.Partition already set to whatever encloses
// this scheme (nil for the outermost), so sector 0 of "this scheme" is
// relative to that enclosing partition — exactly what Disk.Read already
// adjusts for.
type Prober interface {
	Name() string
	FindPartition(d *disk.Disk, number int) (*disk.Partition, error)
}

// Registry is a set of probers, keyed by scheme name ("msdos",
// "gpt", "bsd", ...).
type Registry struct {
	probers map[string]Prober
}

func NewRegistry() *Registry {
	return &Registry{probers: make(map[string]Prober)}
}

func (r *Registry) Register(p Prober) {
	r.probers[p.Name()] = p
}

// Resolve walks a comma-separated chain of partition specs ("msdos1,bsd1")
// against d, updating d.Partition to the final, innermost partition.
func Resolve(r *Registry, d *disk.Disk, spec string) error {
	for _, piece := range strings.Split(spec, ",") {
		scheme, number, err := splitSpec(piece)
		if err != nil {
			return err
		}
		prober, ok := r.probers[scheme]
		if !ok {
			return errors.ErrUnknownDevice.WithMessage("unknown partition map `" + scheme + "'")
		}
		part, err := prober.FindPartition(d, number)
		if err != nil {
			return err
		}
		part.Parent = d.Partition
		d.Partition = part
	}
	return nil
}

// splitSpec splits "msdos1" into ("msdos", 1). The numeric suffix is the
// partition's 1-based ordinal within its scheme.
func splitSpec(piece string) (string, int, error) {
	i := len(piece)
	for i > 0 && piece[i-1] >= '0' && piece[i-1] <= '9' {
		i--
	}
	if i == len(piece) || i == 0 {
		return "", 0, errors.ErrBadArgument.WithMessage("malformed partition spec `" + piece + "'")
	}
	number, err := strconv.Atoi(piece[i:])
	if err != nil {
		return "", 0, errors.ErrBadArgument.Wrap(err)
	}
	return piece[:i], number, nil
}
