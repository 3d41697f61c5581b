package pixart

import "github.com/jinglewu/fwupd/internal/update"

// AsUpdateDriver adapts Device to the orchestration package's Driver
// shape: init/query_info/write/verify/restart map onto ota_init,
// get_info, the object/payload loop, upgrade, and reset respectively.
func (d *Device) AsUpdateDriver(blob []byte, version string) update.Driver {
	return update.Driver{
		Init: d.OTAInit,
		QueryInfo: func() error {
			_, err := d.GetInfo()
			return err
		},
		WriteBlocks: func(progress func(done, total int)) error {
			if err := d.OTAInitNew(uint32(len(blob))); err != nil {
				return err
			}
			objects := chunk(blob, objectSize)
			for i, obj := range objects {
				addr := uint32(i * objectSize)
				if err := d.writeObject(addr, obj); err != nil {
					return err
				}
				progress(i+1, len(objects))
			}
			return nil
		},
		Verify: func() error {
			return d.upgrade(blob, version)
		},
		Restart: func() error {
			return d.reset(uint32(len(blob)))
		},
	}
}
