package source

// extractJPEGFrame cuts the first complete JPEG (FFD8 .. FFD9) out of buffer.
// Bytes before the start marker are discarded with the frame. Returns nil when
// no complete frame is buffered yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// keep a trailing 0xFF, it may be the first half of a start marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = buf[len(buf)-1:]
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		if startIdx > 0 {
			*buffer = buf[startIdx:]
		}
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = buf[endIdx:]

	return frame
}
