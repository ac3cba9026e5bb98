package chunker

// splitMP3 scans for MPEG audio frame headers (0xFFE... sync word) and
// groups whole frames into chunks close to TargetChunkSize, so every
// chunk boundary falls exactly on a frame start and each chunk decodes
// independently. Returns ok=false
// if no valid frame sync is found, so the caller falls back to the fixed
// byte splitter.
func splitMP3(data []byte, opts Options) ([]Chunk, bool) {
	frameStarts := mp3FrameStarts(data)
	if len(frameStarts) < 2 {
		return nil, false
	}

	overlapBytes := opts.overlapBytes()
	var chunks []Chunk
	idx := 0
	chunkStartFrame := 0

	for chunkStartFrame < len(frameStarts) {
		start := frameStarts[chunkStartFrame]
		end := int64(len(data))
		nextStartFrame := len(frameStarts)

		for f := chunkStartFrame + 1; f < len(frameStarts); f++ {
			if frameStarts[f]-start >= opts.TargetChunkSize {
				end = frameStarts[f]
				nextStartFrame = f
				break
			}
		}

		chunkEnd := end
		overlapStart := chunkEnd
		if overlapBytes > 0 && nextStartFrame < len(frameStarts) {
			// Extend this chunk's tail into the overlap region by
			// including whole frames until we've covered overlapBytes,
			// without moving the *next* chunk's start (frame-aware
			// overlap only duplicates trailing frames, it never
			// re-aligns the following chunk).
			for f := nextStartFrame; f < len(frameStarts) && frameStarts[f]-chunkEnd < overlapBytes; f++ {
				overlapStart = frameStarts[f]
			}
		}
		if overlapStart > int64(len(data)) {
			overlapStart = int64(len(data))
		}

		chunks = append(chunks, Chunk{
			Index:      idx,
			Start:      start,
			End:        overlapStart,
			Bytes:      data[start:overlapStart],
			IsPlayable: true,
		})
		idx++

		if nextStartFrame >= len(frameStarts) {
			break
		}
		chunkStartFrame = nextStartFrame
	}
	return chunks, true
}

// mp3FrameStarts locates MPEG audio frame sync words (11 set bits: 0xFFE)
// at the byte level. This is a lightweight structural scan, not a full
// MPEG parser — sufficient to find re-startable frame boundaries without
// validating every header field.
func mp3FrameStarts(data []byte) []int64 {
	var starts []int64
	for i := 0; i+1 < len(data); i++ {
		if data[i] == 0xFF && (data[i+1]&0xE0) == 0xE0 {
			starts = append(starts, int64(i))
		}
	}
	return starts
}

// splitWAV chunk-aligns after the canonical RIFF/WAVE `fmt ` and `data`
// sub-chunk headers so each produced chunk starts on a PCM sample
// boundary. Returns ok=false for anything that isn't a well-formed
// canonical WAV header, falling back to the fixed byte splitter.
func splitWAV(data []byte, opts Options) ([]Chunk, bool) {
	if len(data) < 44 {
		return nil, false
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, false
	}

	blockAlign, dataOffset, ok := wavDataOffset(data)
	if !ok || blockAlign <= 0 {
		return nil, false
	}

	total := int64(len(data))
	targetChunkSize := opts.TargetChunkSize
	// Round the target down to a whole number of sample blocks so every
	// chunk boundary (after the shared header) lands on a frame edge.
	if rem := targetChunkSize % int64(blockAlign); rem != 0 {
		targetChunkSize -= rem
	}
	if targetChunkSize <= 0 {
		return nil, false
	}

	overlap := opts.overlapBytes()
	if rem := overlap % int64(blockAlign); rem != 0 {
		overlap -= rem
	}

	header := data[:dataOffset]
	var chunks []Chunk
	start := dataOffset
	idx := 0
	for start < total {
		end := start + targetChunkSize
		if end > total {
			end = total
		}
		var body []byte
		if idx == 0 {
			// The initial chunk carries the file's own header.
			body = data[:end]
		} else {
			// Every non-initial chunk is prefixed with the WAV header so
			// it remains independently decodable.
			body = make([]byte, 0, len(header)+int(end-start))
			body = append(body, header...)
			body = append(body, data[start:end]...)
		}
		chunks = append(chunks, Chunk{
			Index:      idx,
			Start:      start,
			End:        end,
			Bytes:      body,
			IsPlayable: true,
		})
		idx++
		if end == total {
			break
		}
		start = end - overlap
		if start < dataOffset {
			start = dataOffset
		}
	}
	return chunks, true
}

// wavDataOffset walks RIFF sub-chunks to find blockAlign from `fmt ` and
// the byte offset where the `data` sub-chunk's samples begin.
func wavDataOffset(data []byte) (blockAlign uint16, dataOffset int64, ok bool) {
	pos := int64(12)
	for pos+8 <= int64(len(data)) {
		id := string(data[pos : pos+4])
		size := le32(data[pos+4 : pos+8])
		body := pos + 8

		switch id {
		case "fmt ":
			if body+16 > int64(len(data)) {
				return 0, 0, false
			}
			blockAlign = le16(data[body+12 : body+14])
		case "data":
			return blockAlign, body, blockAlign > 0
		}

		pos = body + int64(size)
		if size%2 == 1 {
			pos++ // sub-chunks are word-aligned
		}
	}
	return 0, 0, false
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
