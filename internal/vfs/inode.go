package vfs

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ajaxzhan/document-portal/internal/metrics"
	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/cespare/xxhash/v2"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// ByAppName is the root entry holding the per-application views.
const ByAppName = "by-app"

type domainKind int

const (
	domainRoot domainKind = iota
	domainByApp
	domainApp
	domainDocument
)

func (k domainKind) String() string {
	switch k {
	case domainRoot:
		return "root"
	case domainByApp:
		return "by-app"
	case domainApp:
		return "app"
	case domainDocument:
		return "document"
	}
	return "unknown"
}

// docInfo is the part of a registry record the filesystem needs. It is
// captured when the document directory is first looked up.
type docInfo struct {
	id        string
	dir       string
	base      string
	parentDev uint64
	parentIno uint64
	isDir     bool
}

func newDocInfo(doc *types.Document) *docInfo {
	return &docInfo{
		id:        doc.ID,
		dir:       filepath.Dir(doc.Path),
		base:      filepath.Base(doc.Path),
		parentDev: doc.ParentDevice,
		parentIno: doc.ParentInode,
		isDir:     doc.IsDirectory(),
	}
}

// domain is one level of the namespace. Root, by-app and app domains own a
// name keyed child map; a document domain owns the inodes of its backing
// files keyed by physical inode, and the tempfiles of a file document.
type domain struct {
	kind        domainKind
	parent      *domain
	parentInode *Inode
	appID       string
	doc         *docInfo

	// guarded by Graph.mu
	children     map[string]*Inode
	physChildren map[*PhysicalInode]*Inode

	tempMu    sync.Mutex
	tempfiles map[string]*tempfile
}

// Inode is a kernel visible node.
type Inode struct {
	ino  uint64
	dom  *domain
	mode uint32

	refs       refCount
	kernelRefs atomic.Uint64

	// set for inodes backed by a host file
	physical   *PhysicalInode
	domainRoot *Inode
}

// Ino returns the inode number handed to the kernel.
func (n *Inode) Ino() uint64 {
	return n.ino
}

// IsDir reports whether the inode is a directory.
func (n *Inode) IsDir() bool {
	return n.mode&syscall.S_IFMT == syscall.S_IFDIR
}

// docRoot returns the per document directory inode for inodes in a
// document domain.
func (n *Inode) docRoot() *Inode {
	if n.physical != nil {
		return n.domainRoot
	}
	return n
}

// isDocRoot reports whether n is the virtual directory of a document.
func (n *Inode) isDocRoot() bool {
	return n.dom.kind == domainDocument && n.physical == nil
}

// Graph owns every virtual inode.
type Graph struct {
	// mu guards the child maps of all domains and nextIno.
	mu      sync.Mutex
	nextIno uint64

	// inoMu guards inodes. It nests inside mu for writers; readers doing
	// a reverse lookup take it alone.
	inoMu  sync.Mutex
	inodes map[uint64]*Inode

	phys *PhysicalTable

	rootDom  *domain
	byAppDom *domain
	root     *Inode
	byApp    *Inode
}

// NewGraph creates the root and by-app inodes.
func NewGraph(phys *PhysicalTable) *Graph {
	g := &Graph{
		inodes:  make(map[uint64]*Inode),
		nextIno: fuse.FUSE_ROOT_ID + 1,
		phys:    phys,
	}
	g.rootDom = &domain{kind: domainRoot, children: make(map[string]*Inode)}
	g.root = &Inode{ino: fuse.FUSE_ROOT_ID, dom: g.rootDom, mode: syscall.S_IFDIR}
	g.root.refs.inc()
	g.inodes[g.root.ino] = g.root

	g.byAppDom = &domain{
		kind:        domainByApp,
		parent:      g.rootDom,
		parentInode: g.root,
		children:    make(map[string]*Inode),
	}
	g.byApp = &Inode{dom: g.byAppDom, mode: syscall.S_IFDIR}
	g.byApp.refs.inc()
	g.mu.Lock()
	g.insertLocked(g.byApp, g.allocVirtualLocked())
	g.mu.Unlock()
	return g
}

// Root returns the mount root.
func (g *Graph) Root() *Inode {
	return g.root
}

// Len returns the number of live inodes.
func (g *Graph) Len() int {
	g.inoMu.Lock()
	defer g.inoMu.Unlock()
	return len(g.inodes)
}

// get returns the inode for a kernel node id with a reference, or nil.
func (g *Graph) get(ino uint64) *Inode {
	g.inoMu.Lock()
	defer g.inoMu.Unlock()
	n := g.inodes[ino]
	if n == nil || !n.refs.tryInc() {
		return nil
	}
	return n
}

// peek returns the inode for ino without a reference.
func (g *Graph) peek(ino uint64) *Inode {
	g.inoMu.Lock()
	defer g.inoMu.Unlock()
	return g.inodes[ino]
}

func (g *Graph) ref(n *Inode) {
	n.refs.inc()
}

func (g *Graph) unref(n *Inode) {
	if n.refs.decUnlessLast() {
		return
	}

	g.mu.Lock()
	if !n.refs.decLocked() {
		g.mu.Unlock()
		return
	}
	g.removeLocked(n)
	g.mu.Unlock()

	switch {
	case n.physical != nil:
		g.phys.Release(n.physical)
		g.unref(n.domainRoot)
	case n.dom.parentInode != nil:
		g.unref(n.dom.parentInode)
	}
}

// removeLocked unlinks a dead inode from its parent map and the inode
// table.
func (g *Graph) removeLocked(n *Inode) {
	switch {
	case n.physical != nil:
		if n.dom.physChildren[n.physical] == n {
			delete(n.dom.physChildren, n.physical)
		}
	case n.dom.kind == domainDocument:
		if p := n.dom.parent; p.children[n.dom.doc.id] == n {
			delete(p.children, n.dom.doc.id)
		}
	case n.dom.kind == domainApp:
		if p := n.dom.parent; p.children[n.dom.appID] == n {
			delete(p.children, n.dom.appID)
		}
	}

	g.inoMu.Lock()
	if g.inodes[n.ino] == n {
		delete(g.inodes, n.ino)
	}
	count := len(g.inodes)
	g.inoMu.Unlock()
	metrics.VirtualInodes.Set(float64(count))
}

func (g *Graph) allocVirtualLocked() uint64 {
	ino := g.nextIno
	g.nextIno++
	return ino
}

// insertLocked assigns n the first free number at or after want.
func (g *Graph) insertLocked(n *Inode, want uint64) {
	g.inoMu.Lock()
	ino := want
	for {
		if ino <= fuse.FUSE_ROOT_ID {
			ino = fuse.FUSE_ROOT_ID + 1
		}
		if _, used := g.inodes[ino]; !used {
			break
		}
		ino++
	}
	n.ino = ino
	g.inodes[ino] = n
	count := len(g.inodes)
	g.inoMu.Unlock()
	metrics.VirtualInodes.Set(float64(count))
}

// physicalIno derives a stable number for a backing file as seen through
// one document by one app.
func physicalIno(key devIno, docID, appID string) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], key.dev)
	binary.LittleEndian.PutUint64(buf[8:], key.ino)

	d := xxhash.New()
	d.Write(buf[:])
	d.WriteString(docID)
	d.Write([]byte{0})
	d.WriteString(appID)
	return d.Sum64()
}

// appInode returns the directory of appID under by-app, creating it.
func (g *Graph) appInode(appID string) *Inode {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.byAppDom.children[appID]; n != nil && n.refs.tryInc() {
		return n
	}

	dom := &domain{
		kind:        domainApp,
		parent:      g.byAppDom,
		parentInode: g.byApp,
		appID:       appID,
		children:    make(map[string]*Inode),
	}
	g.byApp.refs.inc()

	n := &Inode{dom: dom, mode: syscall.S_IFDIR}
	n.refs.inc()
	g.byAppDom.children[appID] = n
	g.insertLocked(n, g.allocVirtualLocked())
	return n
}

// docInode returns the directory of a document under a root or app
// inode, creating it.
func (g *Graph) docInode(parent *Inode, info *docInfo) *Inode {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := parent.dom.children[info.id]; n != nil && n.refs.tryInc() {
		return n
	}

	dom := &domain{
		kind:         domainDocument,
		parent:       parent.dom,
		parentInode:  parent,
		appID:        parent.dom.appID,
		doc:          info,
		physChildren: make(map[*PhysicalInode]*Inode),
		tempfiles:    make(map[string]*tempfile),
	}
	parent.refs.inc()

	n := &Inode{dom: dom, mode: syscall.S_IFDIR}
	n.refs.inc()
	parent.dom.children[info.id] = n
	g.insertLocked(n, g.allocVirtualLocked())
	return n
}

// physicalInode returns the inode for the host file fd refers to, as seen
// through the document rooted at docRoot. Ownership of fd passes to the
// physical table.
func (g *Graph) physicalInode(docRoot *Inode, fd int, st *syscall.Stat_t) *Inode {
	p := g.phys.Ensure(fd, st)
	dom := docRoot.dom

	g.mu.Lock()
	if n := dom.physChildren[p]; n != nil && n.refs.tryInc() {
		g.mu.Unlock()
		g.phys.Release(p)
		return n
	}

	n := &Inode{
		dom:        dom,
		mode:       st.Mode & syscall.S_IFMT,
		physical:   p,
		domainRoot: docRoot,
	}
	n.refs.inc()
	docRoot.refs.inc()
	dom.physChildren[p] = n
	g.insertLocked(n, physicalIno(p.key, dom.doc.id, dom.appID))
	g.mu.Unlock()
	return n
}

// kernelRef hands the caller's reference to the kernel. The first kernel
// reference keeps it; later ones only count.
func (g *Graph) kernelRef(n *Inode) {
	if n.kernelRefs.Add(1) != 1 {
		g.unref(n)
	}
}

// forget drops count kernel references from ino.
func (g *Graph) forget(ino, count uint64) {
	if ino == fuse.FUSE_ROOT_ID {
		return
	}
	n := g.peek(ino)
	if n == nil {
		return
	}
	for {
		old := n.kernelRefs.Load()
		if old == 0 {
			return
		}
		next := old - min(old, count)
		if n.kernelRefs.CompareAndSwap(old, next) {
			if next == 0 {
				g.unref(n)
			}
			return
		}
	}
}

// docRoots returns referenced document directory inodes for id, in the
// root scope and in every app.
func (g *Graph) docRoots(id string) []*Inode {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Inode
	if n := g.rootDom.children[id]; n != nil && n.refs.tryInc() {
		out = append(out, n)
	}
	for _, app := range g.byAppDom.children {
		if n := app.dom.children[id]; n != nil && n.refs.tryInc() {
			out = append(out, n)
		}
	}
	return out
}

// allDocRoots returns referenced document directory inodes for every
// materialized document.
func (g *Graph) allDocRoots() []*Inode {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Inode
	collect := func(children map[string]*Inode) {
		for _, n := range children {
			if n.refs.tryInc() {
				out = append(out, n)
			}
		}
	}
	collect(g.rootDom.children)
	for _, app := range g.byAppDom.children {
		collect(app.dom.children)
	}
	return out
}

// materializedApps returns the app ids with a live inode under by-app.
func (g *Graph) materializedApps() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	apps := make([]string, 0, len(g.byAppDom.children))
	for id, n := range g.byAppDom.children {
		if n.refs.load() > 0 {
			apps = append(apps, id)
		}
	}
	return apps
}

// child returns a referenced child of a root or app inode, if present.
func (g *Graph) child(parent *Inode, name string) *Inode {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := parent.dom.children[name]; n != nil && n.refs.tryInc() {
		return n
	}
	return nil
}
