package relocator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/soyunomas/dupefinder/internal/entities"
)

// Outcome registra el resultado de un intento de movimiento: origen,
// destino ya resuelto (tras renombrado por colisión) y qué pasó.
type Outcome struct {
	Source   string `json:"source"`
	Dest     string `json:"dest,omitempty"`
	Moved    bool   `json:"moved"`
	Bytes    int64  `json:"bytes_freed,omitempty"`
	HardLink bool   `json:"hardlink,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Stats agrega los resultados de una reubicación completa.
type Stats struct {
	DryRun          bool      `json:"dry_run"`
	GroupsProcessed int       `json:"groups_processed"`
	FilesMoved      int       `json:"files_moved"`
	DirsCreated     int       `json:"dirs_created"`
	BytesFreed      int64     `json:"bytes_freed"`
	Errors          []string  `json:"errors,omitempty"`
	Outcomes        []Outcome `json:"outcomes"`
}

type Options struct {
	KeepFirst bool // conservar Files[0] de cada grupo; false mueve TODO el grupo
	DryRun    bool // calcular el plan sin tocar el sistema de archivos
}

// Relocator mueve los miembros redundantes de cada grupo a una raíz de
// destino, conservando la ruta relativa al directorio de trabajo.
type Relocator struct {
	fsys    afero.Fs
	workDir string
}

// New crea el reubicador. Si workDir está vacío se usa el directorio de
// trabajo del proceso.
func New(fsys afero.Fs, workDir string) *Relocator {
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}
	return &Relocator{fsys: fsys, workDir: workDir}
}

// Relocate procesa los grupos en orden. Un movimiento fallido se apunta
// y se sigue con el resto; solo una raíz de destino que no se puede
// crear aborta el paso entero antes de intentar nada.
func (r *Relocator) Relocate(groups []*entities.FileGroup, destRoot string, opts Options) (*Stats, error) {
	stats := &Stats{DryRun: opts.DryRun}

	absDest, err := filepath.Abs(destRoot)
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		created, err := r.ensureDir(absDest)
		if err != nil {
			// Fatal: sin raíz de destino no se intenta ningún movimiento.
			return nil, fmt.Errorf("no se pudo crear el destino %s: %w", destRoot, err)
		}
		stats.DirsCreated += created
	}

	// Destinos ya reclamados en esta pasada. En dry-run sustituye al
	// sistema de archivos; en ejecución real cubre la ventana entre
	// resolver la colisión y materializar el movimiento.
	claimed := make(map[string]bool)

	for _, g := range groups {
		if g.Count < 2 {
			continue
		}
		stats.GroupsProcessed++

		victims := g.Files
		// Inodes ya vistos en el grupo: un hard link de algo que se queda
		// (o que ya se movió) no libera espacio, así que no se toca. Cubre
		// tanto los links del keeper como dos víctimas enlazadas entre sí.
		seen := make(map[inodeKey]bool)
		if opts.KeepFirst {
			victims = g.Files[1:]
			markInode(seen, g.Files[0])
		}

		for _, v := range victims {
			if seenInode(seen, v) {
				stats.Outcomes = append(stats.Outcomes, Outcome{Source: v.Path, HardLink: true})
				continue
			}
			markInode(seen, v)

			dest := r.resolveCollision(r.destPath(absDest, v.Path), claimed)
			claimed[dest] = true

			if opts.DryRun {
				stats.Outcomes = append(stats.Outcomes, Outcome{Source: v.Path, Dest: dest})
				continue
			}

			created, err := r.ensureDir(filepath.Dir(dest))
			if err == nil {
				stats.DirsCreated += created
				err = r.move(v.Path, dest)
			}
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("no se pudo mover %s: %v", v.Path, err))
				stats.Outcomes = append(stats.Outcomes, Outcome{Source: v.Path, Dest: dest, Err: err.Error()})
				continue
			}

			stats.FilesMoved++
			stats.BytesFreed += v.Size
			stats.Outcomes = append(stats.Outcomes, Outcome{Source: v.Path, Dest: dest, Moved: true, Bytes: v.Size})
		}
	}

	return stats, nil
}

// destPath conserva la ruta relativa al directorio de trabajo cuando el
// origen cuelga de él; si no, cae al nombre base directamente bajo la
// raíz de destino. La estructura solo se preserva respecto al directorio
// de invocación, no respecto a la raíz escaneada.
func (r *Relocator) destPath(destRoot, src string) string {
	rel, err := filepath.Rel(r.workDir, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Join(destRoot, filepath.Base(src))
	}
	return filepath.Join(destRoot, rel)
}

// resolveCollision genera nombre_1.ext, nombre_2.ext, ... hasta dar con
// una ruta libre. Cada candidato se re-consulta contra el sistema de
// archivos (puede haber cambios externos entre comprobaciones) además
// del mapa de destinos reclamados en esta pasada.
func (r *Relocator) resolveCollision(path string, claimed map[string]bool) string {
	if !r.exists(path) && !claimed[path] {
		return path
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 1; ; i++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if !r.exists(cand) && !claimed[cand] {
			return cand
		}
	}
}

// move intenta el rename atómico y, si falla por cruce de dispositivos,
// recurre a la copia verificada.
func (r *Relocator) move(src, dst string) error {
	err := r.fsys.Rename(src, dst)
	if err == nil {
		return nil
	}
	if isCrossDeviceError(err) {
		return r.moveCrossDevice(src, dst)
	}
	return err
}

// isCrossDeviceError detecta si el error es "invalid cross-device link"
func isCrossDeviceError(err error) bool {
	if errors.Is(err, syscall.EXDEV) {
		return true
	}
	return strings.Contains(err.Error(), "cross-device") || strings.Contains(err.Error(), "EXDEV")
}

// moveCrossDevice copia a un temporal junto al destino, verifica el
// tamaño copiado y solo entonces renombra y borra el origen. Una copia
// parcial nunca puede quedar visible como movimiento terminado.
func (r *Relocator) moveCrossDevice(src, dst string) error {
	input, err := r.fsys.Open(src)
	if err != nil {
		return err
	}
	defer input.Close()

	info, err := input.Stat()
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(r.fsys, filepath.Dir(dst), ".dupefinder-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, input)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != info.Size() {
		err = fmt.Errorf("copia incompleta: %d de %d bytes", n, info.Size())
	}
	if err == nil {
		err = r.fsys.Rename(tmpName, dst)
	}
	if err != nil {
		_ = r.fsys.Remove(tmpName)
		return err
	}

	return r.fsys.Remove(src)
}

// ensureDir crea el directorio (y sus padres) si falta, devolviendo
// cuántos niveles hubo que crear. Idempotente.
func (r *Relocator) ensureDir(dir string) (int, error) {
	missing := 0
	for d := dir; ; {
		if r.exists(d) {
			break
		}
		missing++
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	if missing == 0 {
		return 0, nil
	}
	if err := r.fsys.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	return missing, nil
}

func (r *Relocator) exists(path string) bool {
	_, err := r.fsys.Stat(path)
	return err == nil
}

// inodeKey identifica un archivo físico. Inode cero (FS sintéticos)
// nunca se registra ni casa.
type inodeKey struct {
	dev, ino uint64
}

func markInode(seen map[inodeKey]bool, f *entities.FileRecord) {
	if f.Inode != 0 {
		seen[inodeKey{f.DeviceID, f.Inode}] = true
	}
}

func seenInode(seen map[inodeKey]bool, f *entities.FileRecord) bool {
	return f.Inode != 0 && seen[inodeKey{f.DeviceID, f.Inode}]
}
