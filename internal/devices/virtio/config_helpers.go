package virtio

// readConfigWindow serves a config-space read out of a byte-backed config
// block. Reads past the end return zeros.
func readConfigWindow(cfg []byte, offset uint64, data []byte) {
	for i := range data {
		pos := offset + uint64(i)
		if pos < uint64(len(cfg)) {
			data[i] = cfg[pos]
		} else {
			data[i] = 0
		}
	}
}

// writeConfigWindow applies a config-space write to a byte-backed config
// block. Writes past the end are dropped.
func writeConfigWindow(cfg []byte, offset uint64, data []byte) {
	for i := range data {
		pos := offset + uint64(i)
		if pos < uint64(len(cfg)) {
			cfg[pos] = data[i]
		}
	}
}
