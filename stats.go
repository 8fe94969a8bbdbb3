package ixy

// PrintStatsDiff prints the rx/tx throughput between old and the receiver,
// given the elapsed time in nanoseconds. The data path never calls this -- it exists purely for the example
// programs' periodic reporting.
func (s Stats) PrintStatsDiff(pciAddr string, old Stats, nanos uint64, log func(string, ...any)) {
	rxMbit, rxMpps := diffRate(s.RxBytes, old.RxBytes, s.RxPackets, old.RxPackets, nanos)
	log("[%s] RX: %.2f Mbit/s %.2f Mpps", pciAddr, rxMbit, rxMpps)

	txMbit, txMpps := diffRate(s.TxBytes, old.TxBytes, s.TxPackets, old.TxPackets, nanos)
	log("[%s] TX: %.2f Mbit/s %.2f Mpps", pciAddr, txMbit, txMpps)
}

// diffRate returns (Mbit/s, Mpps) between two packet/byte counter
// snapshots nanos nanoseconds apart. Byte counts exclude the 20-byte
// Ethernet preamble/IFG/CRC overhead the wire actually spends per frame,
// so that overhead is added back in per packet.
func diffRate(bytesNew, bytesOld, pktsNew, pktsOld, nanos uint64) (mbit, mpps float64) {
	seconds := float64(nanos) / 1e9
	mpps = float64(pktsNew-pktsOld) / 1e6 / seconds
	mbit = float64(bytesNew-bytesOld)/1e6/seconds*8 + mpps*20*8
	return mbit, mpps
}
