package camera

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNoImages is returned by the file system driver for an empty directory.
var ErrNoImages = errors.New("no images found")

// FileSystemCameraDriver serves JPEG files from disk. When address is a
// directory the files are returned one per call, round robin, in name order.
type FileSystemCameraDriver struct {
	fileCursor int
	dirContent []fs.DirEntry
	cursorMux  sync.Mutex
}

func NewFileSystemCameraDriver() Driver {
	return &FileSystemCameraDriver{}
}

func (cam *FileSystemCameraDriver) ExtractImage(address, username, password string, opts CaptureOptions) (*Image, error) {
	file, err := os.Stat(address)
	if err != nil {
		return nil, err
	}
	if !file.IsDir() {
		return cam.processFile(address)
	}

	cam.cursorMux.Lock()
	defer cam.cursorMux.Unlock()
	if cam.dirContent == nil || cam.fileCursor >= len(cam.dirContent) {
		// reading the directory again picks up new files
		cam.dirContent, err = readJpegEntries(address)
		cam.fileCursor = 0
		if err != nil {
			return nil, err
		}
		if len(cam.dirContent) == 0 {
			cam.dirContent = nil
			return nil, ErrNoImages
		}
	}
	fullPath := filepath.Join(address, cam.dirContent[cam.fileCursor].Name())
	cam.fileCursor++
	return cam.processFile(fullPath)
}

func readJpegEntries(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var jpegs []fs.DirEntry
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			jpegs = append(jpegs, e)
		}
	}
	sort.Slice(jpegs, func(i, j int) bool { return jpegs[i].Name() < jpegs[j].Name() })
	return jpegs, nil
}

// processFile reads the file into memory.
func (cam *FileSystemCameraDriver) processFile(filePath string) (*Image, error) {
	body, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return &Image{Body: body, Format: "image/jpeg", TransactionId: filePath}, nil
}

func (cam *FileSystemCameraDriver) Ping(address string) bool {
	_, err := os.Stat(address)
	return err == nil
}

// Commit is a no-op; files are kept so the directory can be replayed.
func (cam *FileSystemCameraDriver) Commit(transactionId string) error {
	return nil
}
