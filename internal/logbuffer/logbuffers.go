package logbuffer

import (
	"fmt"
	"os"

	"github.com/ppiankov/aerobus/internal/memory"
)

// LogBuffers is a mapped log file carved into its three term buffers and the
// trailing metadata region.
type LogBuffers struct {
	mapped *memory.MappedFile
	terms  [PartitionCount]*memory.Buffer
	meta   MetaData
}

// Create builds a fresh log file, seeds the tail counters and default frame
// header, and returns the mapped log.
func Create(path string, termLength, mtuLength, initialTermID, sessionID, streamID int32, correlationID int64, sparse bool) (*LogBuffers, error) {
	if err := CheckTermLength(termLength); err != nil {
		return nil, err
	}
	if err := CheckMTULength(mtuLength); err != nil {
		return nil, err
	}

	mapped, err := memory.MapNew(path, ComputeLogLength(int64(termLength)), sparse)
	if err != nil {
		return nil, err
	}
	lb := wrap(mapped, termLength)

	meta := lb.Meta()
	meta.SetTermLength(termLength)
	meta.SetMTULength(mtuLength)
	meta.SetPageSize(int32(os.Getpagesize()))
	meta.SetInitialTermID(initialTermID)
	meta.SetCorrelationID(correlationID)
	meta.SetEndOfStreamPosition(int64(^uint64(0) >> 1))
	copy(meta.DefaultFrameHeader(), DefaultFrameHeader(sessionID, streamID))

	InitialiseTailWithTermID(meta, 0, initialTermID)
	for i := 1; i < PartitionCount; i++ {
		InitialiseTailWithTermID(meta, i, initialTermID+int32(i)-PartitionCount)
	}
	return lb, nil
}

// Map opens an existing log file.
func Map(path string) (*LogBuffers, error) {
	mapped, err := memory.MapExisting(path, false)
	if err != nil {
		return nil, err
	}
	length := int64(len(mapped.Data()))
	termLength := (length - LogMetaDataLength) / PartitionCount
	if err := CheckTermLength(int32(termLength)); err != nil {
		_ = mapped.Close()
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}
	return wrap(mapped, int32(termLength)), nil
}

func wrap(mapped *memory.MappedFile, termLength int32) *LogBuffers {
	data := mapped.Data()
	lb := &LogBuffers{mapped: mapped}
	for i := 0; i < PartitionCount; i++ {
		start := int64(i) * int64(termLength)
		lb.terms[i] = memory.NewBuffer(data[start : start+int64(termLength)])
	}
	metaStart := int64(PartitionCount) * int64(termLength)
	lb.meta = MetaData{buf: memory.NewBuffer(data[metaStart : metaStart+LogMetaDataLength])}
	return lb
}

// TermBuffer returns the term buffer at a partition index.
func (lb *LogBuffers) TermBuffer(partitionIndex int) *memory.Buffer {
	return lb.terms[partitionIndex]
}

// Meta returns the metadata region accessor.
func (lb *LogBuffers) Meta() *MetaData {
	return &lb.meta
}

// TermLength returns the per-term capacity.
func (lb *LogBuffers) TermLength() int32 {
	return lb.meta.TermLength()
}

// FileName returns the backing file path.
func (lb *LogBuffers) FileName() string {
	return lb.mapped.Path()
}

// Close unmaps the log; the file remains for other mappers.
func (lb *LogBuffers) Close() error {
	return lb.mapped.Close()
}

// Delete unmaps the log and removes the file.
func (lb *LogBuffers) Delete() error {
	return lb.mapped.Delete()
}
