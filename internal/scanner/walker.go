package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/soyunomas/dupefinder/internal/entities"
)

// Errores de raíz inválida. Abortan el escaneo entero: no hay resultados
// parciales porque no se llegó a escanear nada.
var (
	ErrNotFound = errors.New("el directorio no existe")
	ErrNotDir   = errors.New("la ruta no es un directorio")
)

// Config define las reglas para el escaneo.
type Config struct {
	Recursive bool
	MinSize   int64    // Tamaño mínimo en bytes para considerar
	Types     []string // Extensiones permitidas (ej. ".jpg"); vacío = todas
	Excludes  []string // Patrones glob a ignorar (sintaxis doublestar)
}

// FileScanner encapsula la lógica de recorrido del sistema de archivos.
// No guarda estado entre llamadas a Scan: los resultados son el valor
// de retorno, no un acumulador interno.
type FileScanner struct {
	fsys    afero.Fs
	cfg     Config
	typeSet map[string]struct{} // Optimización O(1)
}

// New crea una nueva instancia del escáner con configuración.
// Valida los patrones de exclusión por adelantado.
func New(fsys afero.Fs, cfg Config) (*FileScanner, error) {
	for _, p := range cfg.Excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("patrón de exclusión inválido: %q", p)
		}
	}

	// Pre-procesamos extensiones a un mapa en minúsculas
	typeSet := make(map[string]struct{}, len(cfg.Types))
	for _, t := range cfg.Types {
		t = strings.ToLower(t)
		if !strings.HasPrefix(t, ".") {
			t = "." + t
		}
		typeSet[t] = struct{}{}
	}

	return &FileScanner{
		fsys:    fsys,
		cfg:     cfg,
		typeSet: typeSet,
	}, nil
}

// Scan recorre root y devuelve los archivos encontrados en orden de
// descubrimiento, más los avisos por entradas que no se pudieron leer.
// Un archivo problemático nunca aborta el escaneo completo; solo una
// raíz inexistente o que no sea directorio devuelve error.
func (s *FileScanner) Scan(root string) ([]*entities.FileRecord, []string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}

	info, err := s.fsys.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		return nil, nil, err
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotDir, root)
	}

	var files []*entities.FileRecord
	var warnings []string

	if !s.cfg.Recursive {
		s.scanFlat(absRoot, &files, &warnings)
		return files, warnings, nil
	}

	walkErr := afero.Walk(s.fsys, absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if info != nil && info.IsDir() {
				// No se pudo listar un directorio: fallo estructural.
				// Abortamos el recorrido principal y pasamos al alternativo.
				return err
			}
			warnings = append(warnings, fmt.Sprintf("no se pudo procesar %s: %v", path, err))
			return nil
		}
		if info.IsDir() {
			if path != absRoot && s.excluded(absRoot, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		s.addFile(absRoot, path, info, &files)
		return nil
	})

	if walkErr != nil {
		// Estrategia alternativa: recorrido manual con ReadDir.
		// Descartamos archivos y avisos acumulados para no duplicar
		// entradas ni avisar dos veces por lo que el reintento rescata.
		warnings = []string{fmt.Sprintf("fallo el recorrido principal (%v); usando método alternativo", walkErr)}
		files = nil
		s.walkFallback(absRoot, absRoot, &files, &warnings)
	}

	return files, warnings, nil
}

// scanFlat procesa solo los hijos directos de root (modo --no-recursive).
func (s *FileScanner) scanFlat(root string, files *[]*entities.FileRecord, warnings *[]string) {
	entries, err := afero.ReadDir(s.fsys, root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !e.Mode().IsRegular() {
				continue
			}
			s.addFile(root, filepath.Join(root, e.Name()), e, files)
		}
		return
	}

	// Alternativa: listar solo nombres y hacer stat uno a uno, de modo
	// que una entrada rota no tumbe el listado entero.
	*warnings = append(*warnings, fmt.Sprintf("fallo el listado principal (%v); usando método alternativo", err))

	dir, err := s.fsys.Open(root)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("no se pudo listar %s: %v", root, err))
		return
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("no se pudo listar %s: %v", root, err))
		return
	}
	for _, name := range names {
		path := filepath.Join(root, name)
		info, err := s.fsys.Stat(path)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("no se pudo procesar %s: %v", path, err))
			continue
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			continue
		}
		s.addFile(root, path, info, files)
	}
}

// walkFallback recorre el árbol a mano con ReadDir. Un directorio que no
// se puede listar genera un aviso y se abandona solo ese subárbol.
func (s *FileScanner) walkFallback(root, dir string, files *[]*entities.FileRecord, warnings *[]string) {
	entries, err := afero.ReadDir(s.fsys, dir)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("no se pudo listar %s: %v", dir, err))
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if !s.excluded(root, path) {
				s.walkFallback(root, path, files, warnings)
			}
			continue
		}
		if !e.Mode().IsRegular() {
			continue
		}
		s.addFile(root, path, e, files)
	}
}

// addFile aplica los filtros (exclusión, extensión, tamaño) y construye la entidad.
func (s *FileScanner) addFile(root, path string, info os.FileInfo, files *[]*entities.FileRecord) {
	if s.excluded(root, path) {
		return
	}
	if len(s.typeSet) > 0 {
		if _, ok := s.typeSet[strings.ToLower(filepath.Ext(path))]; !ok {
			return
		}
	}
	if info.Size() < s.cfg.MinSize {
		return
	}
	*files = append(*files, entities.NewFileRecord(path, info))
}

// excluded comprueba los patrones contra la ruta relativa a la raíz y
// contra el nombre base (para patrones simples tipo "node_modules").
func (s *FileScanner) excluded(root, path string) bool {
	if len(s.cfg.Excludes) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	relSlash := filepath.ToSlash(rel)
	base := filepath.Base(path)
	for _, p := range s.cfg.Excludes {
		if ok, _ := doublestar.Match(p, relSlash); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}
