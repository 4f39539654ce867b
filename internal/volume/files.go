// Package volume discovers, loads and normalizes the training volumes.
//
// A volume file is a SafeTensors file holding one 3D array [D, H, W] or one
// 4D array [D, H, W, C] whose last axis holds the channels. Label files hold
// one integer array of the same spatial size.
package volume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File discovery errors.
var (
	ErrNoFiles       = errors.New("no input files")
	ErrCountMismatch = errors.New("the total number of data files and label files differs")
)

// Pair is one training volume with its label volume.
type Pair struct {
	Data   string
	Labels string
}

// FindAll expands paths into a file list. Directories contribute every
// regular file below them in lexical order; files are kept as given.
func FindAll(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".") {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", p, err)
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

// Pairs matches data files to label files by position.
func Pairs(data, labels []string) ([]Pair, error) {
	if len(data) == 0 {
		return nil, ErrNoFiles
	}
	if len(data) != len(labels) {
		return nil, fmt.Errorf("%w: %d data files, %d label files", ErrCountMismatch, len(data), len(labels))
	}
	out := make([]Pair, len(data))
	for i := range data {
		out[i] = Pair{Data: data[i], Labels: labels[i]}
	}
	return out, nil
}
