package entities

import (
	"io/fs"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/soyunomas/dupefinder/internal/hasher"
)

// FileRecord representa un archivo en disco con los metadatos capturados
// en el momento del escaneo. Una vez construido es inmutable, salvo el
// hash de contenido que se calcula de forma perezosa y se memoiza.
type FileRecord struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size_bytes"`
	Name     string    `json:"name"`
	Stem     string    `json:"stem"`
	Ext      string    `json:"extension"`
	ModTime  time.Time `json:"mod_time"`
	MimeHint string    `json:"mime_type,omitempty"`
	DeviceID uint64    `json:"device_id"`
	Inode    uint64    `json:"inode"`

	// Memoización del hash: se calcula como mucho una vez por proceso.
	hashOnce sync.Once
	hash     string
	hashErr  error
}

// NewFileRecord construye la entidad a partir de la ruta y el stat ya hecho.
// path debe venir en forma absoluta; el scanner se encarga de eso.
func NewFileRecord(path string, info fs.FileInfo) *FileRecord {
	name := filepath.Base(path)
	ext := filepath.Ext(name)

	devID, inode := getSysInfo(info)

	return &FileRecord{
		Path:     path,
		Size:     info.Size(),
		Name:     name,
		Stem:     strings.TrimSuffix(name, ext),
		Ext:      ext,
		ModTime:  info.ModTime(),
		MimeHint: mime.TypeByExtension(ext),
		DeviceID: devID,
		Inode:    inode,
	}
}

// ContentHash devuelve el SHA-256 del contenido, calculándolo la primera
// vez que se pide. El resultado (incluido el error) queda memoizado: un
// archivo ilegible no se reintenta dentro del mismo proceso.
func (r *FileRecord) ContentHash(fsys afero.Fs) (string, error) {
	r.hashOnce.Do(func() {
		r.hash, r.hashErr = hasher.SHA256File(fsys, r.Path)
	})
	return r.hash, r.hashErr
}

// getSysInfo extrae DeviceID e Inode de forma "segura".
// En sistemas de archivos sintéticos (tests) devuelve ceros.
func getSysInfo(info fs.FileInfo) (uint64, uint64) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return uint64(stat.Dev), uint64(stat.Ino)
}

// FileGroup representa un conjunto de archivos que comparten la clave de
// agrupación (hash, tamaño, nombre o stem). El orden de Files es el orden
// de descubrimiento del escaneo: Files[0] es el candidato a conservar.
type FileGroup struct {
	Key   string        `json:"key"`
	Count int64         `json:"count"`
	Files []*FileRecord `json:"files"`
}

// Add agrega un archivo al grupo.
func (fg *FileGroup) Add(f *FileRecord) {
	fg.Files = append(fg.Files, f)
	fg.Count++
}
