// Package common holds small helpers shared by every filesystem and
// partition/filter driver that decodes on-disk binary structures.
package common

import (
	"encoding/binary"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/jmason/grubcore/errors"
)

// MustUnpack decodes raw into out with restruct, recovering any panic
// restruct raises on a short or malformed buffer into a BadFs error instead
// of letting it escape into driver code that isn't expecting one.
func MustUnpack(raw []byte, order binary.ByteOrder, out interface{}) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = errors.ErrBadFs.Wrap(log.Wrap(asErr))
			} else {
				err = errors.ErrBadFs.WithMessage(
					log.Errorf("restruct panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw).Error())
			}
		}
	}()

	if uErr := restruct.Unpack(raw, order, out); uErr != nil {
		return errors.ErrBadFs.Wrap(uErr)
	}
	return nil
}
