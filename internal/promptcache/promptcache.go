// Package promptcache manages the temporary WAV files synthesized prompts
// are written to before playback, per spec.md §6's
// "<os-temp-dir>/ari-tts-cache/<uuid>.wav" layout.
package promptcache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/voxmediator/ari-mediator/internal/wavfile"
)

const subdir = "ari-tts-cache"

// Cache writes synthesized PCM to uniquely named temp WAV files and
// removes them once a prompt has finished playing.
type Cache struct {
	dir string
}

// New ensures the cache directory under the OS temp dir exists.
func New() (*Cache, error) {
	dir := filepath.Join(os.TempDir(), subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("promptcache: mkdir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Put wraps pcm as a WAV file under a fresh UUID name and returns its path
// and a media reference suitable for the call-control collaborator's Play
// call (a "sound:" URI without the extension).
func (c *Cache) Put(pcm []byte, format wavfile.Format) (path, mediaRef string, err error) {
	name := uuid.NewString()
	path = filepath.Join(c.dir, name+".wav")

	wav := wavfile.Wrap(pcm, format)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return "", "", fmt.Errorf("promptcache: write: %w", err)
	}
	mediaRef = "sound:" + filepath.Join(c.dir, name)
	return path, mediaRef, nil
}

// Remove deletes a cached prompt file. It is not an error if the file is
// already gone.
func (c *Cache) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("promptcache: remove: %w", err)
	}
	return nil
}
