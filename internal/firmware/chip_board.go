package firmware

// ForChipAndBoard returns every firmware matching chip, additionally
// filtered by board when board is non-empty. Unlike ForChip, it does
// not require the caller to already know the device's secure boot
// version or memory layout — useful when selecting firmware before any
// device has connected, as the Manager does.
func (c *Collection) ForChipAndBoard(chip, board string) []*BootFirmware {
	var out []*BootFirmware
	for _, bf := range c.firmwares {
		if chip != "" && bf.Chip != chip {
			continue
		}
		if board == "" || bf.Board == board {
			out = append(out, bf)
		}
	}
	return out
}
