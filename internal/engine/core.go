package engine

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/soyunomas/dupefinder/internal/entities"
	"github.com/soyunomas/dupefinder/internal/hasher"
	"github.com/soyunomas/dupefinder/internal/scanner"
)

// Criterion identifica la clave de agrupación de duplicados.
type Criterion string

const (
	ByContent Criterion = "content"
	BySize    Criterion = "size"
	ByName    Criterion = "name"
	ByStem    Criterion = "stem"
)

// AllCriteria lista los criterios en orden de prioridad. Es el orden que
// usa --all y el que decide qué agrupación alimenta la reubicación.
var AllCriteria = []Criterion{ByContent, BySize, ByName, ByStem}

type Options struct {
	Recursive bool
	MinSize   int64
	Types     []string
	Excludes  []string
	Strategy  KeepStrategy
	Quiet     bool // sin progreso por stdout (modo JSON)
}

// Result es la salida completa de una pasada: archivos escaneados,
// agrupaciones por criterio y avisos acumulados por el camino.
type Result struct {
	TotalFilesScanned int64
	Files             []*entities.FileRecord
	Groupings         map[Criterion][]*entities.FileGroup
	Warnings          []string
	Duration          time.Duration
}

type Runner struct {
	fsys afero.Fs
	opts Options
}

func New(fsys afero.Fs, opts Options) *Runner {
	return &Runner{fsys: fsys, opts: opts}
}

// Run ejecuta la tubería completa: escaneo y agrupación por cada criterio
// pedido. Cada criterio produce una agrupación independiente; ninguna
// muta a las demás. El orden dentro de cada grupo es el de descubrimiento
// (salvo que la estrategia de conservación reordene), así que dos pasadas
// sobre un árbol sin cambios producen resultados idénticos.
func (r *Runner) Run(rootDir string, criteria []Criterion) (*Result, error) {
	start := time.Now()

	sc, err := scanner.New(r.fsys, scanner.Config{
		Recursive: r.opts.Recursive,
		MinSize:   r.opts.MinSize,
		Types:     r.opts.Types,
		Excludes:  r.opts.Excludes,
	})
	if err != nil {
		return nil, err
	}

	files, warnings, err := sc.Scan(rootDir)
	if err != nil {
		return nil, fmt.Errorf("fallo en scanner: %w", err)
	}

	res := &Result{
		TotalFilesScanned: int64(len(files)),
		Files:             files,
		Groupings:         make(map[Criterion][]*entities.FileGroup, len(criteria)),
		Warnings:          warnings,
	}

	for _, c := range criteria {
		var groups []*entities.FileGroup
		switch c {
		case ByContent:
			groups = r.groupByContent(files, &res.Warnings)
		case BySize:
			groups = groupBy(files, func(f *entities.FileRecord) (string, bool) {
				return fmt.Sprintf("%d", f.Size), true
			})
		case ByName:
			groups = groupBy(files, func(f *entities.FileRecord) (string, bool) {
				return f.Name, true
			})
		case ByStem:
			groups = groupBy(files, func(f *entities.FileRecord) (string, bool) {
				return f.Stem, true
			})
		default:
			return nil, fmt.Errorf("criterio desconocido: %s", c)
		}
		sortGroups(groups, r.opts.Strategy)
		res.Groupings[c] = groups
	}

	res.Duration = time.Since(start)
	return res, nil
}

// groupBy reparte los archivos en grupos según keyFn, conservando el
// orden de descubrimiento tanto dentro de cada grupo como entre grupos
// (primera aparición de la clave). Los grupos de un solo miembro se
// descartan: un duplicado necesita al menos dos archivos.
func groupBy(records []*entities.FileRecord, keyFn func(*entities.FileRecord) (string, bool)) []*entities.FileGroup {
	byKey := make(map[string]*entities.FileGroup)
	var order []string

	for _, f := range records {
		key, ok := keyFn(f)
		if !ok {
			continue
		}
		g, exists := byKey[key]
		if !exists {
			g = &entities.FileGroup{Key: key}
			byKey[key] = g
			order = append(order, key)
		}
		g.Add(f)
	}

	groups := make([]*entities.FileGroup, 0, len(order))
	for _, k := range order {
		if byKey[k].Count > 1 {
			groups = append(groups, byKey[k])
		}
	}
	return groups
}

// groupByContent es el criterio caro: solo llega al SHA-256 completo lo
// que sobrevive a dos filtros baratos (tamaño igual y pre-hash de 4KB).
// Un archivo ilegible genera un aviso y queda fuera de esta agrupación,
// pero sigue participando en las de tamaño/nombre/stem.
func (r *Runner) groupByContent(files []*entities.FileRecord, warnings *[]string) []*entities.FileGroup {
	// --- FASE 1: candidatos por tamaño ---
	sizeCount := make(map[int64]int, len(files))
	for _, f := range files {
		sizeCount[f.Size]++
	}
	var sizeCands []*entities.FileRecord
	for _, f := range files {
		if sizeCount[f.Size] > 1 {
			sizeCands = append(sizeCands, f)
		}
	}

	// --- FASE 2: pre-hash de los primeros 4KB ---
	type preKey struct {
		size int64
		xx   uint64
	}
	preCount := make(map[preKey]int, len(sizeCands))
	preOf := make(map[*entities.FileRecord]preKey, len(sizeCands))
	for _, f := range sizeCands {
		xx, err := hasher.FirstBlockXX(r.fsys, f.Path)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("no se pudo leer %s: %v", f.Path, err))
			continue
		}
		k := preKey{f.Size, xx}
		preOf[f] = k
		preCount[k]++
	}
	var finalCands []*entities.FileRecord
	for _, f := range sizeCands {
		if k, ok := preOf[f]; ok && preCount[k] > 1 {
			finalCands = append(finalCands, f)
		}
	}

	// --- FASE 3: SHA-256 completo (workers) ---
	r.hashAll(finalCands, warnings)

	// Reagrupamos recorriendo el orden de escaneo original: el resultado
	// no depende del orden en que terminaron los workers.
	inFinal := make(map[*entities.FileRecord]bool, len(finalCands))
	for _, f := range finalCands {
		inFinal[f] = true
	}
	return groupBy(files, func(f *entities.FileRecord) (string, bool) {
		if !inFinal[f] {
			return "", false
		}
		h, err := f.ContentHash(r.fsys)
		if err != nil {
			// Ya avisado en hashAll; solo lo excluimos del criterio.
			return "", false
		}
		return h, true
	})
}

// hashAll calienta el hash memoizado de cada candidato con un pool de
// workers. Cada registro lo reclama exactamente un worker; la memoización
// de la entidad hace el resto.
func (r *Runner) hashAll(files []*entities.FileRecord, warnings *[]string) {
	if len(files) == 0 {
		return
	}

	type result struct {
		rec *entities.FileRecord
		err error
	}

	jobs := make(chan *entities.FileRecord, len(files))
	results := make(chan result, len(files))

	numWorkers := runtime.NumCPU()
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				_, err := f.ContentHash(r.fsys)
				results <- result{f, err}
			}
		}()
	}

	for _, f := range files {
		jobs <- f
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	errOf := make(map[*entities.FileRecord]error)
	processed := 0
	for res := range results {
		processed++
		if !r.opts.Quiet && processed%50 == 0 { // Menos print para no saturar stdout
			fmt.Print("#")
		}
		if res.err != nil {
			errOf[res.rec] = res.err
		}
	}
	if !r.opts.Quiet && processed >= 50 {
		fmt.Println()
	}

	// Avisos en orden de escaneo, no en orden de llegada de los workers.
	for _, f := range files {
		if err, ok := errOf[f]; ok {
			*warnings = append(*warnings, fmt.Sprintf("no se pudo leer %s: %v", f.Path, err))
		}
	}
}
