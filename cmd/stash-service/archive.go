package main

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var (
	errNoMatchingImages = errors.New("no matching images")
	errBadFormat        = errors.New("unsupported archive format")
)

// buildOrGetArchive resolves a tag query to an archive file, reusing a
// previously built one when the (tag key, format) pair is already
// registered. On a lost registration race the local build is discarded and
// the winner's path returned, so at most one archive ever exists per key.
func (st *appState) buildOrGetArchive(tags []string, format string) (string, error) {
	if format != formatZip && format != formatTarGz {
		return "", fmt.Errorf("%w: %s", errBadFormat, format)
	}
	queryTags := normalizeTags(tags...)
	if len(queryTags) == 0 {
		return "", errEmptyTagSet
	}
	tagKey := deriveTagKey(queryTags)

	if path, ok, err := st.store.FindArchive(tagKey, format); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	paths, err := st.store.FindImages(queryTags, matchAll)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", errNoMatchingImages
	}

	finalName := tagKey + "." + format
	finalPath := filepath.Join(st.cfg.archiveRoot, finalName)
	tmpPath := filepath.Join(st.cfg.archiveRoot, ".tmp-"+uuid.NewString()+"."+format)
	if err := os.MkdirAll(st.cfg.archiveRoot, 0o755); err != nil {
		return "", err
	}
	if err := writeArchive(tmpPath, format, st.cfg.mediaRoot, paths); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	// Registration is the claim on (tag key, format); only the winner moves
	// its build into place, so a loser can never clobber the winner's file.
	if err := st.store.RegisterArchive(tagKey, format, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, errArchiveExists) {
			path, ok, ferr := st.store.FindArchive(tagKey, format)
			if ferr != nil {
				return "", ferr
			}
			if !ok {
				return "", errArchiveExists
			}
			return path, nil
		}
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		// Back out the registration: a record without an artifact would be
		// served as a cache hit forever.
		if rerr := st.store.RemoveArchive(tagKey, format); rerr != nil {
			logger.Error("failed to remove archive record after rename failure",
				"tag_key", tagKey,
				"format", format,
				"error", rerr,
			)
		}
		_ = os.Remove(tmpPath)
		return "", err
	}

	logger.Info("archive built",
		"tag_key", tagKey,
		"format", format,
		"images", len(paths),
		"path", finalPath,
	)
	return finalPath, nil
}

// writeArchive bundles the given store-relative image paths into a single
// file. Entries are named by their relative path so the bundle mirrors the
// store layout.
func writeArchive(dst, format, mediaRoot string, relPaths []string) error {
	switch format {
	case formatZip:
		return writeZipArchive(dst, mediaRoot, relPaths)
	case formatTarGz:
		return writeTarGzArchive(dst, mediaRoot, relPaths)
	default:
		return fmt.Errorf("%w: %s", errBadFormat, format)
	}
}

func writeZipArchive(dst, mediaRoot string, relPaths []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range relPaths {
		f, err := os.Open(filepath.Join(mediaRoot, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}

func writeTarGzArchive(dst, mediaRoot string, relPaths []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, rel := range relPaths {
		full := filepath.Join(mediaRoot, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    rel,
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}
