package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bengillihan/texttomp3/internal/logger"
)

// ErrNoAudioGenerated indicates that no chunk files were found to combine.
var ErrNoAudioGenerated = errors.New("no audio files were generated")

// ChunkFileName returns the scratch file name for a chunk index. The
// index embedded in the name is what lets assembly reconstruct the
// original order regardless of completion order.
func ChunkFileName(index int) string {
	return fmt.Sprintf("%d_chunk.mp3", index)
}

// CombineChunks streams the chunk files from scratchDir, in index order,
// into a single MP3 at outputPath. A missing chunk file is skipped with
// a warning; finding none at all is an error. MP3 frame streams
// concatenate byte-wise, so no re-encoding is needed.
func CombineChunks(scratchDir string, chunkCount int, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	found := 0
	for i := 0; i < chunkCount; i++ {
		path := filepath.Join(scratchDir, ChunkFileName(i))
		in, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Warnf("Chunk file %s does not exist, skipping", path)
				continue
			}
			out.Close()
			os.Remove(outputPath)
			return fmt.Errorf("failed to open chunk %d: %w", i, err)
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		if copyErr != nil {
			out.Close()
			os.Remove(outputPath)
			return fmt.Errorf("failed to append chunk %d: %w", i, copyErr)
		}
		found++
	}

	if err := out.Close(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("failed to finalize output file: %w", err)
	}
	if found == 0 {
		os.Remove(outputPath)
		return ErrNoAudioGenerated
	}

	logger.Infof("Combined %d/%d chunk files into %s", found, chunkCount, outputPath)
	return nil
}
