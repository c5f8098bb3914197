package vfs

import "github.com/ajaxzhan/document-portal/internal/logging"

// InvalidateDocument asks the kernel to forget the entries of document id
// as seen by apps, where "" is the root scope. Cached files below the
// document directories are dropped too, so a permission change is seen on
// the next lookup.
func (fs *PortalFS) InvalidateDocument(id string, apps []string) {
	for _, app := range apps {
		parent := fs.graph.root
		if app != "" {
			if parent = fs.graph.child(fs.graph.byApp, app); parent == nil {
				continue
			}
		} else {
			fs.graph.ref(parent)
		}

		fs.queue.Enqueue(parent.ino, id)
		if root := fs.graph.child(parent, id); root != nil {
			fs.queue.Enqueue(root.ino, root.dom.doc.base)
			for _, name := range tempfileNames(root.dom) {
				fs.queue.Enqueue(root.ino, name)
			}
			fs.graph.unref(root)
		}
		fs.graph.unref(parent)
	}
}

// DocumentDeleted discards the tempfiles of a removed document.
func (fs *PortalFS) DocumentDeleted(id string) {
	for _, root := range fs.graph.docRoots(id) {
		fs.discardTempfiles(root.dom)
		fs.graph.unref(root)
	}
	logging.Debug("Dropped document inodes", logging.Doc(id))
}
