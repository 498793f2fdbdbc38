package relocator

import (
	"errors"
	"os"
	"sort"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyunomas/dupefinder/internal/entities"
)

// failFs inyecta fallos puntuales de Rename y MkdirAll sobre el fs base.
type failFs struct {
	afero.Fs
	renameErr map[string]error // oldname -> error
	mkdirErr  map[string]error // path -> error
}

func (f *failFs) Rename(oldname, newname string) error {
	if err, ok := f.renameErr[oldname]; ok {
		return err
	}
	return f.Fs.Rename(oldname, newname)
}

func (f *failFs) MkdirAll(path string, perm os.FileMode) error {
	if err, ok := f.mkdirErr[path]; ok {
		return err
	}
	return f.Fs.MkdirAll(path, perm)
}

func buildTree(t *testing.T, fsys afero.Fs, files map[string]string) {
	t.Helper()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0644))
	}
}

func record(t *testing.T, fsys afero.Fs, path string) *entities.FileRecord {
	t.Helper()
	info, err := fsys.Stat(path)
	require.NoError(t, err)
	return entities.NewFileRecord(path, info)
}

func group(t *testing.T, fsys afero.Fs, key string, paths ...string) *entities.FileGroup {
	t.Helper()
	g := &entities.FileGroup{Key: key}
	for _, p := range paths {
		g.Add(record(t, fsys, p))
	}
	return g
}

func exists(t *testing.T, fsys afero.Fs, path string) bool {
	t.Helper()
	_, err := fsys.Stat(path)
	return err == nil
}

func content(t *testing.T, fsys afero.Fs, path string) string {
	t.Helper()
	b, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	return string(b)
}

// snapshot vuelca rutas y contenidos de todo el fs para comparar
// estados byte a byte (pureza del dry-run).
func snapshot(t *testing.T, fsys afero.Fs) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := afero.Walk(fsys, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			out[path] = "<dir>"
			return nil
		}
		out[path] = content(t, fsys, path)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRelocateKeepFirst(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/x/1.bin": "dup",
		"/work/y/1.bin": "dup",
		"/work/z/1.bin": "dup",
	})

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{
		group(t, fsys, "h1", "/work/x/1.bin", "/work/y/1.bin", "/work/z/1.bin"),
	}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)

	// El primero descubierto se queda; el resto se va conservando la
	// ruta relativa al directorio de trabajo.
	assert.True(t, exists(t, fsys, "/work/x/1.bin"))
	assert.False(t, exists(t, fsys, "/work/y/1.bin"))
	assert.False(t, exists(t, fsys, "/work/z/1.bin"))
	assert.Equal(t, "dup", content(t, fsys, "/work/dups/y/1.bin"))
	assert.Equal(t, "dup", content(t, fsys, "/work/dups/z/1.bin"))

	assert.Equal(t, 1, stats.GroupsProcessed)
	assert.Equal(t, 2, stats.FilesMoved)
	assert.Equal(t, int64(6), stats.BytesFreed)
	assert.Empty(t, stats.Errors)
	require.Len(t, stats.Outcomes, 2)
	assert.True(t, stats.Outcomes[0].Moved)
}

func TestRelocateMoveAll(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/a.bin": "dup",
		"/work/b.bin": "dup",
	})

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{group(t, fsys, "h", "/work/a.bin", "/work/b.bin")}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: false})
	require.NoError(t, err)

	// Sin KeepFirst se mueve TODO el grupo, keeper incluido.
	assert.False(t, exists(t, fsys, "/work/a.bin"))
	assert.False(t, exists(t, fsys, "/work/b.bin"))
	assert.True(t, exists(t, fsys, "/work/dups/a.bin"))
	assert.True(t, exists(t, fsys, "/work/dups/b.bin"))
	assert.Equal(t, 2, stats.FilesMoved)
}

// Un hard link del keeper (mismo device+inode) se reporta y se deja en su
// sitio: moverlo no liberaría nada. Tampoco suma a movidos ni a bytes.
func TestRelocateHardLinkOfKeeper(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/orig.bin":  "dup",
		"/work/link.bin":  "dup",
		"/work/copia.bin": "dup",
	})

	keeper := record(t, fsys, "/work/orig.bin")
	keeper.DeviceID, keeper.Inode = 7, 42
	link := record(t, fsys, "/work/link.bin")
	link.DeviceID, link.Inode = 7, 42 // mismo archivo físico que el keeper
	copia := record(t, fsys, "/work/copia.bin")
	copia.DeviceID, copia.Inode = 7, 43

	g := &entities.FileGroup{Key: "h"}
	g.Add(keeper)
	g.Add(link)
	g.Add(copia)

	r := New(fsys, "/work")
	stats, err := r.Relocate([]*entities.FileGroup{g}, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)

	assert.True(t, exists(t, fsys, "/work/link.bin"))
	assert.False(t, exists(t, fsys, "/work/dups/link.bin"))
	assert.True(t, exists(t, fsys, "/work/dups/copia.bin"))

	assert.Equal(t, 1, stats.FilesMoved)
	assert.Equal(t, int64(3), stats.BytesFreed)
	require.Len(t, stats.Outcomes, 2)
	assert.Equal(t, "/work/link.bin", stats.Outcomes[0].Source)
	assert.True(t, stats.Outcomes[0].HardLink)
	assert.True(t, stats.Outcomes[1].Moved)
}

// Dos víctimas enlazadas entre sí (pero no con el keeper) comparten inode:
// se mueve la primera y la segunda se reporta como hard link.
func TestRelocateHardLinkBetweenVictims(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/keep.bin": "dup",
		"/work/v1.bin":   "dup",
		"/work/v2.bin":   "dup",
	})

	keeper := record(t, fsys, "/work/keep.bin")
	keeper.DeviceID, keeper.Inode = 7, 10
	v1 := record(t, fsys, "/work/v1.bin")
	v1.DeviceID, v1.Inode = 7, 20
	v2 := record(t, fsys, "/work/v2.bin")
	v2.DeviceID, v2.Inode = 7, 20 // enlazado con v1, no con el keeper

	g := &entities.FileGroup{Key: "h"}
	g.Add(keeper)
	g.Add(v1)
	g.Add(v2)

	r := New(fsys, "/work")
	stats, err := r.Relocate([]*entities.FileGroup{g}, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)

	assert.True(t, exists(t, fsys, "/work/dups/v1.bin"))
	assert.True(t, exists(t, fsys, "/work/v2.bin"))

	// Solo un archivo físico cambia de sitio y solo una vez cuentan sus bytes.
	assert.Equal(t, 1, stats.FilesMoved)
	assert.Equal(t, int64(3), stats.BytesFreed)
	require.Len(t, stats.Outcomes, 2)
	assert.True(t, stats.Outcomes[0].Moved)
	assert.True(t, stats.Outcomes[1].HardLink)
}

// Un origen fuera del directorio de trabajo cae al nombre base bajo la
// raíz de destino.
func TestRelocateOutsideWorkDir(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/a.bin":         "dup",
		"/fuera/lejos/a2.bin": "dup",
	})

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{group(t, fsys, "h", "/work/a.bin", "/fuera/lejos/a2.bin")}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesMoved)
	assert.True(t, exists(t, fsys, "/work/dups/a2.bin"))
}

// Dos víctimas que computan el mismo destino deben acabar ambas en el
// destino, la segunda renombrada con sufijo numérico. Nunca se pisa nada.
func TestRelocateCollision(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/k1.bin":     "g1",
		"/fuera/f.txt":     "g1",
		"/work/k2.bin":     "g2",
		"/fuera2/f.txt":    "g2",
		"/work/dups/f.txt": "preexistente",
	})

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{
		group(t, fsys, "h1", "/work/k1.bin", "/fuera/f.txt"),
		group(t, fsys, "h2", "/work/k2.bin", "/fuera2/f.txt"),
	}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesMoved)

	// El archivo preexistente queda intacto; las víctimas reciben
	// sufijos _1 y _2 antes de la extensión.
	assert.Equal(t, "preexistente", content(t, fsys, "/work/dups/f.txt"))
	assert.Equal(t, "g1", content(t, fsys, "/work/dups/f_1.txt"))
	assert.Equal(t, "g2", content(t, fsys, "/work/dups/f_2.txt"))
}

func TestRelocateDryRunPurity(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/x/1.bin": "dup",
		"/work/y/1.bin": "dup",
	})

	before := snapshot(t, fsys)

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{group(t, fsys, "h", "/work/x/1.bin", "/work/y/1.bin")}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true, DryRun: true})
	require.NoError(t, err)

	// Nada cambió: ni movimientos ni creación de la raíz de destino.
	assert.Equal(t, before, snapshot(t, fsys))
	assert.False(t, exists(t, fsys, "/work/dups"))
	assert.Equal(t, 0, stats.FilesMoved)
	assert.Equal(t, 0, stats.DirsCreated)
	assert.Equal(t, int64(0), stats.BytesFreed)

	// El plan sí viene completo, con el destino ya resuelto.
	require.Len(t, stats.Outcomes, 1)
	assert.Equal(t, "/work/y/1.bin", stats.Outcomes[0].Source)
	assert.Equal(t, "/work/dups/y/1.bin", stats.Outcomes[0].Dest)
	assert.False(t, stats.Outcomes[0].Moved)
}

// En dry-run las colisiones se resuelven contra el fs real más el plan
// acumulado: dos víctimas con el mismo destino reciben sufijos distintos
// aunque no se cree nada.
func TestRelocateDryRunCollision(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/k1.bin":  "g1",
		"/fuera/f.txt":  "g1",
		"/work/k2.bin":  "g2",
		"/fuera2/f.txt": "g2",
	})

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{
		group(t, fsys, "h1", "/work/k1.bin", "/fuera/f.txt"),
		group(t, fsys, "h2", "/work/k2.bin", "/fuera2/f.txt"),
	}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true, DryRun: true})
	require.NoError(t, err)

	var dests []string
	for _, o := range stats.Outcomes {
		dests = append(dests, o.Dest)
	}
	sort.Strings(dests)
	assert.Equal(t, []string{"/work/dups/f.txt", "/work/dups/f_1.txt"}, dests)
}

// La raíz de destino que no se puede crear aborta el paso entero: cero
// intentos por archivo.
func TestRelocateDestinationCreateFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	buildTree(t, base, map[string]string{
		"/work/a.bin": "dup",
		"/work/b.bin": "dup",
	})
	fsys := &failFs{Fs: base, mkdirErr: map[string]error{"/work/dups": errors.New("disco lleno (simulado)")}}

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{group(t, fsys, "h", "/work/a.bin", "/work/b.bin")}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	assert.Error(t, err)
	assert.Nil(t, stats)
	assert.True(t, exists(t, fsys, "/work/b.bin"))
}

// Un movimiento fallido no interrumpe el resto del grupo ni los grupos
// siguientes; queda apuntado en Errors y en su Outcome.
func TestRelocateFailureIsolation(t *testing.T) {
	base := afero.NewMemMapFs()
	buildTree(t, base, map[string]string{
		"/work/keep.bin": "dup",
		"/work/mal.bin":  "dup",
		"/work/bien.bin": "dup",
		"/work/o1.txt":   "par",
		"/work/o2.txt":   "par",
	})
	fsys := &failFs{Fs: base, renameErr: map[string]error{"/work/mal.bin": errors.New("permiso denegado (simulado)")}}

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{
		group(t, fsys, "h1", "/work/keep.bin", "/work/mal.bin", "/work/bien.bin"),
		group(t, fsys, "h2", "/work/o1.txt", "/work/o2.txt"),
	}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)

	// El fallido sigue en su sitio; los demás se movieron.
	assert.True(t, exists(t, fsys, "/work/mal.bin"))
	assert.True(t, exists(t, fsys, "/work/dups/bien.bin"))
	assert.True(t, exists(t, fsys, "/work/dups/o2.txt"))

	assert.Equal(t, 2, stats.GroupsProcessed)
	assert.Equal(t, 2, stats.FilesMoved)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "/work/mal.bin")
}

// Rename que falla con EXDEV debe degradar a copia verificada + borrado:
// mismo resultado visible que un movimiento normal.
func TestRelocateCrossDevice(t *testing.T) {
	base := afero.NewMemMapFs()
	buildTree(t, base, map[string]string{
		"/work/a.bin": "dup",
		"/work/b.bin": "dup",
	})
	fsys := &failFs{Fs: base, renameErr: map[string]error{"/work/b.bin": syscall.EXDEV}}

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{group(t, fsys, "h", "/work/a.bin", "/work/b.bin")}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)

	assert.False(t, exists(t, fsys, "/work/b.bin"))
	assert.Equal(t, "dup", content(t, fsys, "/work/dups/b.bin"))
	assert.Equal(t, 1, stats.FilesMoved)
	assert.Empty(t, stats.Errors)

	// Sin temporales abandonados en el destino.
	infos, err := afero.ReadDir(fsys, "/work/dups")
	require.NoError(t, err)
	for _, info := range infos {
		assert.NotContains(t, info.Name(), ".dupefinder-")
	}
}

func TestRelocateDirsCreated(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/work/a/b/1.bin": "dup",
		"/work/a/b/2.bin": "dup",
	})

	r := New(fsys, "/work")
	groups := []*entities.FileGroup{group(t, fsys, "h", "/work/a/b/1.bin", "/work/a/b/2.bin")}

	stats, err := r.Relocate(groups, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)

	// /work/dups + /work/dups/a + /work/dups/a/b
	assert.Equal(t, 3, stats.DirsCreated)
	assert.True(t, exists(t, fsys, "/work/dups/a/b/2.bin"))
}

func TestDestPath(t *testing.T) {
	r := New(afero.NewMemMapFs(), "/work")

	cases := []struct {
		src  string
		want string
	}{
		{"/work/sub/f.txt", "/dups/sub/f.txt"},
		{"/work/f.txt", "/dups/f.txt"},
		{"/otro/lado/f.txt", "/dups/f.txt"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, r.destPath("/dups", c.src), "origen: %s", c.src)
	}
}

func TestResolveCollisionSuffixes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{
		"/d/f.txt":   "x",
		"/d/f_1.txt": "x",
	})

	r := New(fsys, "/")
	claimed := map[string]bool{}

	got := r.resolveCollision("/d/f.txt", claimed)
	assert.Equal(t, "/d/f_2.txt", got)

	// El mapa de reclamados también cuenta, sin tocar el fs.
	claimed[got] = true
	assert.Equal(t, "/d/f_3.txt", r.resolveCollision("/d/f.txt", claimed))

	// Sin colisión se respeta la ruta pedida.
	assert.Equal(t, "/d/libre.txt", r.resolveCollision("/d/libre.txt", claimed))
}

func TestMoveSourceMissing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	buildTree(t, fsys, map[string]string{"/work/a.bin": "dup"})

	r := New(fsys, "/work")
	g := group(t, fsys, "h", "/work/a.bin")
	// Forzamos un segundo miembro que ya no existe (carrera con otro proceso).
	g.Add(&entities.FileRecord{Path: "/work/desaparecido.bin", Name: "desaparecido.bin", Size: 3})

	stats, err := r.Relocate([]*entities.FileGroup{g}, "/work/dups", Options{KeepFirst: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesMoved)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "desaparecido")
}
