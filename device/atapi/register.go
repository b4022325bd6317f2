package atapi

import "github.com/blackhv-go/blackhv/ioport"

// Register wires d into tbl at the primary bus base, its secondary-bus
// mirror, and the two device-control ports, matching atapi_init's handler
// layout.
func (d *Drive) Register(tbl *ioport.Table) {
	ignoreOut8 := func(port uint16, v uint8) error { return nil }

	tbl.Register(PrimaryDCR, nil, ignoreOut8, nil, nil)
	tbl.Register(SecondaryDCR, nil, ignoreOut8, nil, nil)

	for _, base := range [2]uint16{PrimaryBase, SecondaryBase} {
		base := base

		tbl.Register(base+RegFeatures, nil, ignoreOut8, nil, nil)

		selectOut8 := func(port uint16, v uint8) error {
			d.SelectOut8(v)

			return nil
		}
		tbl.Register(base+RegDrive, nil, selectOut8, nil, nil)

		for offset := uint16(RegSectorCount); offset <= RegLBAHi; offset++ {
			offset := offset
			in8 := func(port uint16) (uint8, error) {
				return d.SignatureIn8(offset), nil
			}
			tbl.Register(base+offset, in8, ignoreOut8, nil, nil)
		}

		status8 := func(port uint16) (uint8, error) {
			return d.StatusIn8(), nil
		}
		tbl.Register(base+RegStatus, status8, ignoreOut8, nil, nil)
	}

	in16 := func(port uint16) (uint16, error) {
		return d.DataIn16(), nil
	}
	out16 := func(port uint16, v uint16) error {
		d.DataOut16(v)

		return nil
	}
	tbl.Register(PrimaryBase+RegData, nil, nil, in16, out16)
}
