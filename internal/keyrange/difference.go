package keyrange

import "github.com/hupe1980/saigo/model"

// Difference yields the keys of universe that are absent from sub. It
// implements the complement evaluation of the NOT-operator family: the
// primary-key universe of the index's view minus the matching postings.
func Difference(universe, sub Iterator) Iterator {
	return &differenceIterator{universe: universe, sub: sub}
}

type differenceIterator struct {
	universe Iterator
	sub      Iterator
	subHead  model.PrimaryKey
	subOK    bool
	started  bool
}

func (d *differenceIterator) emit(key model.PrimaryKey, ok bool) (model.PrimaryKey, bool) {
	for ok {
		if !d.started {
			d.subHead, d.subOK = d.sub.Next()
			d.started = true
		}
		for d.subOK && d.subHead.Compare(key) < 0 {
			d.subHead, d.subOK = d.sub.Advance(key)
		}
		if !d.subOK || d.subHead.Compare(key) != 0 {
			return key, true
		}
		key, ok = d.universe.Next()
	}
	return model.PrimaryKey{}, false
}

func (d *differenceIterator) Next() (model.PrimaryKey, bool) {
	return d.emit(d.universe.Next())
}

func (d *differenceIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	return d.emit(d.universe.Advance(target))
}

func (d *differenceIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	return d.universe.Bounds()
}

func (d *differenceIterator) Count() uint64 { return d.universe.Count() }

func (d *differenceIterator) Close() error {
	err := d.universe.Close()
	if cerr := d.sub.Close(); err == nil {
		err = cerr
	}
	return err
}

// FilterFunc keeps only keys accepted by keep. Used to shadow SSTable
// postings for rows the memtable has overwritten since the flush.
func FilterFunc(src Iterator, keep func(model.PrimaryKey) bool) Iterator {
	return &funcFilterIterator{src: src, keep: keep}
}

type funcFilterIterator struct {
	src  Iterator
	keep func(model.PrimaryKey) bool
}

func (f *funcFilterIterator) seek(key model.PrimaryKey, ok bool) (model.PrimaryKey, bool) {
	for ok {
		if f.keep(key) {
			return key, true
		}
		key, ok = f.src.Next()
	}
	return model.PrimaryKey{}, false
}

func (f *funcFilterIterator) Next() (model.PrimaryKey, bool) {
	return f.seek(f.src.Next())
}

func (f *funcFilterIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	return f.seek(f.src.Advance(target))
}

func (f *funcFilterIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	return f.src.Bounds()
}

func (f *funcFilterIterator) Count() uint64 { return f.src.Count() }
func (f *funcFilterIterator) Close() error  { return f.src.Close() }
