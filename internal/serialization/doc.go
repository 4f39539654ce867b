// Package serialization reads and writes the files exchanged by deep3d.
//
// Checkpoints use the .born v2 container:
//
//	Format Structure:
//	  [0x00: Magic "BORN"]
//	  [0x04: Version 2 (uint32 LE)]
//	  [0x08: Flags (uint32 LE)]
//	  [0x10: Header size (uint64 LE)]
//	  [0x18: Data size (uint64 LE)]
//	  [0x20: SHA-256 of the tensor data (32 bytes)]
//	  [0x40: Header: JSON metadata]
//	  [Tensor data: raw little-endian float32, 64-byte aligned]
//
// Volumes and label maps are read from SafeTensors files, the format most
// array tooling can export without a medical imaging stack.
//
// Example usage:
//
//	header := serialization.Header{ModelType: "deep3d", Checkpoint: &serialization.CheckpointMeta{Label: "0.213"}}
//	if err := serialization.WriteCheckpoint("model/end_model.save", params, header); err != nil {
//	    log.Fatal(err)
//	}
//
//	header, params, err := serialization.ReadCheckpoint("model/end_model.save", serialization.ReaderOptions{})
package serialization
