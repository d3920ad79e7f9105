package discover

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"speaker-analysis-go/internal/types"
)

// Audio container formats the transcriber knows how to handle.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".wmv":  true,
	".avi":  true,
	".mp4":  true,
}

// Discover enumerates the per-agent speaker folders directly under baseDir.
// A folder qualifies as a work unit when it holds at least one audio file
// anywhere below it; dot-prefixed folders are ignored. The result is sorted
// by name (os.ReadDir order) so repeated runs log and process units in the
// same order.
func Discover(baseDir string, log *logrus.Entry) ([]types.WorkUnit, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}

	var units []types.WorkUnit
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())
		audio, err := collectAudioFiles(dir)
		if err != nil {
			log.WithError(err).WithField("folder", entry.Name()).Warn("skipping unreadable speaker folder")
			continue
		}
		if len(audio) == 0 {
			continue
		}
		units = append(units, types.WorkUnit{Name: entry.Name(), Path: dir, AudioFiles: audio})
		log.WithFields(logrus.Fields{
			"folder":      entry.Name(),
			"audio_files": len(audio),
		}).Info("discovered speaker folder")
	}
	log.WithField("total_folders", len(units)).Info("speaker folder discovery complete")
	return units, nil
}

func collectAudioFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if audioExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
