package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/soyunomas/dupefinder/internal/engine"
	"github.com/soyunomas/dupefinder/internal/entities"
	"github.com/soyunomas/dupefinder/internal/relocator"
	"github.com/soyunomas/dupefinder/internal/utils"
)

// --- ESTRUCTURAS PARA EL REPORTE FINAL ---

type Report struct {
	Summary    Summary           `json:"summary"`
	Criteria   []CriterionResult `json:"criteria"`
	Relocation *relocator.Stats  `json:"relocation,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Metadata   Metadata          `json:"metadata"`
}

type Metadata struct {
	ScannedPath string    `json:"scanned_path"`
	Strategy    string    `json:"strategy"`
	Timestamp   time.Time `json:"timestamp"`
	Duration    string    `json:"duration_human"`
}

type Summary struct {
	TotalFilesScanned int64 `json:"total_files_scanned"`
}

type CriterionResult struct {
	Criterion   string                `json:"criterion"`
	Duplicates  int64                 `json:"duplicates"`
	WastedBytes int64                 `json:"wasted_bytes"`
	WastedHuman string                `json:"wasted_bytes_human"`
	Groups      []*entities.FileGroup `json:"groups"`
}

var criterionTitles = map[engine.Criterion]string{
	engine.ByContent: "DUPLICADOS POR CONTENIDO",
	engine.BySize:    "DUPLICADOS POR TAMAÑO",
	engine.ByName:    "DUPLICADOS POR NOMBRE",
	engine.ByStem:    "DUPLICADOS POR NOMBRE (sin extensión)",
}

// multiFlag permite repetir un flag y/o separar valores con comas:
// --types .jpg --types .png  ==  --types .jpg,.png
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*m = append(*m, part)
		}
	}
	return nil
}

func main() {
	// Flags
	byContentPtr := flag.Bool("by-content", false, "Duplicados por contenido (hash SHA-256)")
	bySizePtr := flag.Bool("by-size", false, "Duplicados por tamaño exacto")
	byNamePtr := flag.Bool("by-name", false, "Duplicados por nombre de archivo")
	byStemPtr := flag.Bool("by-stem", false, "Duplicados por nombre sin extensión")
	allPtr := flag.Bool("all", false, "Aplica todos los criterios")

	var types multiFlag
	flag.Var(&types, "types", "Extensiones permitidas (ej. .jpg,.png); repetible")
	var excludes multiFlag
	flag.Var(&excludes, "exclude", "Patrón glob a ignorar (ej. node_modules, **/*.bak); repetible")

	noRecursivePtr := flag.Bool("no-recursive", false, "No descender a subdirectorios")
	minSizePtr := flag.Int64("min-size", 0, "Tamaño mínimo en bytes para considerar")
	keepPtr := flag.String("keep", "first", "Keeper de cada grupo: first, shortest, longest, oldest, newest")

	moveToPtr := flag.String("move-to", "", "Raíz de destino para reubicar duplicados")
	moveAllPtr := flag.Bool("move-all", false, "⚠️  Mueve TODOS los miembros del grupo, keeper incluido")
	dryRunPtr := flag.Bool("dry-run", false, "Simula la reubicación sin tocar el disco")

	jsonPtr := flag.Bool("json", false, "Salida en formato JSON a stdout")
	outputPtr := flag.String("output", "", "Genera un script .sh con los movimientos planificados (no mueve nada)")

	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "❌ Uso: dupefinder [opciones] DIRECTORIO")
		flag.PrintDefaults()
		os.Exit(1)
	}
	dir := flag.Arg(0)

	if *outputPtr != "" && *moveToPtr == "" {
		fmt.Fprintln(os.Stderr, "❌ Error: -output necesita -move-to para saber el destino")
		os.Exit(1)
	}

	// 1. Criterios seleccionados (por defecto, contenido)
	selected := map[engine.Criterion]bool{
		engine.ByContent: *byContentPtr || *allPtr,
		engine.BySize:    *bySizePtr || *allPtr,
		engine.ByName:    *byNamePtr || *allPtr,
		engine.ByStem:    *byStemPtr || *allPtr,
	}
	var criteria []engine.Criterion
	for _, c := range engine.AllCriteria {
		if selected[c] {
			criteria = append(criteria, c)
		}
	}
	if len(criteria) == 0 {
		criteria = []engine.Criterion{engine.ByContent}
	}

	// 2. Estrategia de conservación
	strategy, err := engine.ParseStrategy(*keepPtr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	// 3. Ejecutar Engine
	fsys := afero.NewOsFs()
	runner := engine.New(fsys, engine.Options{
		Recursive: !*noRecursivePtr,
		MinSize:   *minSizePtr,
		Types:     []string(types),
		Excludes:  []string(excludes),
		Strategy:  strategy,
		Quiet:     *jsonPtr,
	})

	if !*jsonPtr {
		fmt.Printf("🚀 Dupefinder v1.0 - Escaneando: %s\n", dir)
		if len(types) > 0 {
			fmt.Printf("🔎 Filtro de extensiones: %s\n", strings.Join(types, ", "))
		}
		fmt.Println("------------------------------------------------")
	}

	res, err := runner.Run(dir, criteria)
	if err != nil {
		// Raíz inválida u opciones malas: se informa y se termina con
		// normalidad, igual que cualquier otro aviso del proceso.
		die(err, *jsonPtr)
		return
	}

	if !*jsonPtr {
		for _, w := range res.Warnings {
			fmt.Printf("⚠️  Aviso: %s\n", w)
		}
		fmt.Printf("📂 %d archivos para analizar\n", res.TotalFilesScanned)
		if res.TotalFilesScanned == 0 {
			fmt.Println("✅ Nada que analizar.")
			return
		}
	}

	// 4. Reubicación (opcional)
	var relStats *relocator.Stats
	if *moveToPtr != "" {
		relCriterion := criteria[0] // AllCriteria ya viene en orden de prioridad
		if len(criteria) > 1 && !*jsonPtr {
			fmt.Printf("⚠️  Varios criterios activos: la reubicación usa '%s' e ignora el resto\n", relCriterion)
		}

		rel := relocator.New(fsys, "")
		opts := relocator.Options{
			KeepFirst: !*moveAllPtr,
			DryRun:    *dryRunPtr || *outputPtr != "",
		}
		relStats, err = rel.Relocate(res.Groupings[relCriterion], *moveToPtr, opts)
		if err != nil {
			die(err, *jsonPtr)
			return
		}
	}

	// 5. Salida
	if *jsonPtr {
		printJSON(buildReport(res, relStats, dir, *keepPtr, criteria))
		return
	}

	for _, c := range criteria {
		displayGroups(criterionTitles[c], res.Groupings[c], c == engine.ByContent)
	}

	if relStats != nil {
		if *outputPtr != "" {
			if err := generateShellScript(relStats, *outputPtr); err != nil {
				fmt.Printf("❌ Error generando script: %v\n", err)
			} else {
				fmt.Printf("\n📄 Script generado: %s\n", *outputPtr)
			}
			return
		}
		displayRelocation(relStats, *moveToPtr)
	}
}

// displayGroups lista los grupos de un criterio con su resumen.
func displayGroups(title string, groups []*entities.FileGroup, showHash bool) {
	if len(groups) == 0 {
		fmt.Printf("\n✅ %s: sin duplicados\n", title)
		return
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	fmt.Printf("🔴 %s\n", title)
	fmt.Println(strings.Repeat("=", 60))

	var totalDuplicates, totalWasted int64
	for _, g := range groups {
		totalDuplicates += g.Count - 1
		totalWasted += g.Files[0].Size * (g.Count - 1)

		fmt.Printf("\n📦 Grupo duplicado (%d archivos):\n", g.Count)
		if showHash {
			fmt.Printf("   Hash: %s\n", g.Key)
		} else {
			fmt.Printf("   Clave: %s\n", g.Key)
		}
		fmt.Printf("   Tamaño: %s\n", utils.ByteCountDecimal(g.Files[0].Size))

		for i, f := range g.Files {
			marker := "🗑️ "
			if i == 0 {
				marker = "👑"
			}
			fmt.Printf("   [%d] %s %s\n", i+1, marker, f.Path)
			fmt.Printf("       Modificado: %s\n", utils.FormatTimestamp(f.ModTime))
			if f.MimeHint != "" {
				fmt.Printf("       Tipo: %s\n", f.MimeHint)
			}
		}
	}

	fmt.Println("\nResumen:")
	fmt.Printf("   Archivos duplicados: %d\n", totalDuplicates)
	fmt.Printf("   Espacio desperdiciado: %s\n", utils.ByteCountDecimal(totalWasted))
}

// displayRelocation imprime los movimientos uno a uno y el total final.
func displayRelocation(stats *relocator.Stats, dest string) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	if stats.DryRun {
		fmt.Printf("🔎 SIMULACIÓN de reubicación hacia: %s\n", dest)
	} else {
		fmt.Printf("♻️  Reubicando duplicados hacia: %s\n", dest)
	}
	fmt.Println(strings.Repeat("=", 60))

	for _, o := range stats.Outcomes {
		switch {
		case o.HardLink:
			fmt.Printf("   🔗 [HardLink, no se mueve]: %s\n", o.Source)
		case o.Err != "":
			fmt.Printf("   ❌ %s: %s\n", o.Source, o.Err)
		case stats.DryRun:
			fmt.Printf("   🔎 [Plan]: %s -> %s\n", o.Source, o.Dest)
		default:
			fmt.Printf("   ♻️  Movido: %s -> %s\n", o.Source, o.Dest)
		}
	}

	fmt.Println("------------------------------------------------")
	fmt.Printf("🏁 Grupos procesados: %d | Archivos movidos: %d | Directorios creados: %d\n",
		stats.GroupsProcessed, stats.FilesMoved, stats.DirsCreated)
	fmt.Printf("💾 Espacio liberado: %s\n", utils.ByteCountDecimal(stats.BytesFreed))

	if len(stats.Errors) > 0 {
		fmt.Printf("\n❌ Errores (%d):\n", len(stats.Errors))
		for _, e := range stats.Errors {
			fmt.Printf("   - %s\n", e)
		}
	}
}

func buildReport(res *engine.Result, relStats *relocator.Stats, dir, strategy string, criteria []engine.Criterion) Report {
	rep := Report{
		Metadata: Metadata{
			ScannedPath: dir,
			Strategy:    strategy,
			Timestamp:   time.Now(),
			Duration:    res.Duration.String(),
		},
		Summary: Summary{
			TotalFilesScanned: res.TotalFilesScanned,
		},
		Relocation: relStats,
		Warnings:   res.Warnings,
		Criteria:   []CriterionResult{},
	}

	for _, c := range criteria {
		groups := res.Groupings[c]
		cr := CriterionResult{
			Criterion: string(c),
			Groups:    groups,
		}
		for _, g := range groups {
			cr.Duplicates += g.Count - 1
			cr.WastedBytes += g.Files[0].Size * (g.Count - 1)
		}
		cr.WastedHuman = utils.ByteCountDecimal(cr.WastedBytes)
		rep.Criteria = append(rep.Criteria, cr)
	}
	return rep
}

// generateShellScript vuelca el plan de movimientos a un script de
// revisión: mkdir de los padres y mv sin sobrescritura.
func generateShellScript(stats *relocator.Stats, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "#!/bin/sh\n")
	fmt.Fprintf(w, "# Generado por dupefinder\n")
	fmt.Fprintf(w, "echo 'Iniciando reubicación...'\n\n")

	seen := make(map[string]bool)
	for _, o := range stats.Outcomes {
		if o.HardLink || o.Dest == "" {
			continue
		}
		dir := filepath.Dir(o.Dest)
		if !seen[dir] {
			fmt.Fprintf(w, "mkdir -p %q\n", dir)
			seen[dir] = true
		}
		fmt.Fprintf(w, "mv -n %q %q\n", o.Source, o.Dest)
	}
	return w.Flush()
}

func printJSON(r Report) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(r)
}

// die informa el error y termina con estado 0: los fallos de escaneo o
// movimiento son avisos para el usuario, no fallos del proceso.
func die(err error, jsonMode bool) {
	if jsonMode {
		fmt.Println(jsonError(err))
		return
	}
	fmt.Printf("❌ Error: %v\n", err)
}

// jsonError serializa el mensaje con json.Marshal: un error que contiene
// comillas (p. ej. un patrón citado) no puede romper la salida.
func jsonError(err error) string {
	msg, mErr := json.Marshal(err.Error())
	if mErr != nil {
		msg = []byte(`"error interno"`)
	}
	return fmt.Sprintf(`{"error": %s}`, msg)
}
