package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// ChunkSize es el tamaño de lectura para el hash completo. Nunca se carga
// el archivo entero en memoria: se procesa en bloques de este tamaño.
const ChunkSize = 4096

// PreHashSize define cuánto leemos para la prueba rápida (4KB)
const PreHashSize = 4 * 1024

// bufferPool solo para cargas pesadas (SHA256File completo)
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, ChunkSize)
		return &b
	},
}

// xxPool para reutilizar el estado del digest rápido
var xxPool = sync.Pool{
	New: func() any {
		return xxhash.New()
	},
}

// SHA256File calcula el hash criptográfico completo del contenido,
// leyendo en bloques de ChunkSize. Devuelve el digest en hexadecimal.
func SHA256File(fsys afero.Fs, path string) (string, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()

	bufPtr := bufferPool.Get().(*[]byte)
	buf := *bufPtr
	defer bufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(h, file, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FirstBlockXX calcula un xxhash de los primeros 4KB. Es la prueba rápida
// que descarta candidatos antes de pagar el SHA-256 completo.
func FirstBlockXX(fsys afero.Fs, path string) (uint64, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	h := xxPool.Get().(*xxhash.Digest)
	h.Reset()
	defer xxPool.Put(h)

	// Alloc simple de 4KB. Es barato y evita locking del Pool global.
	buf := make([]byte, PreHashSize)
	n, err := io.ReadFull(file, buf)

	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, err
	}

	// Hash de lo que se haya podido leer
	_, _ = h.Write(buf[:n])

	return h.Sum64(), nil
}
