package mode

// Catalog resolves the object graph of one enumeration snapshot:
// connectors, encoders, controllers and framebuffers, each fetched
// lazily by id. Elements fail independently with kms.ErrObjectVanished
// when their id went stale; iteration continues past such failures.
//
// The snapshot is also the token that makes encoder possible-CRTC
// bitmasks interpretable: EncoderCanDrive pairs the bitmask with the
// CRTC id list fetched in the same pass, never with a re-query.
type Catalog struct {
	card Card
	res  *Resources
}

// NewCatalog takes a fresh enumeration snapshot of card.
func NewCatalog(card Card) (*Catalog, error) {
	res, err := GetResources(card)
	if err != nil {
		return nil, err
	}
	return &Catalog{card: card, res: res}, nil
}

// Resources exposes the raw id snapshot backing this catalog.
func (c *Catalog) Resources() *Resources {
	return c.res
}

// Refresh replaces the snapshot; bitmasks obtained from objects
// resolved before Refresh are no longer interpretable through this
// catalog.
func (c *Catalog) Refresh() error {
	res, err := GetResources(c.card)
	if err != nil {
		return err
	}
	c.res = res
	return nil
}

// EncoderCanDrive interprets the encoder's possible-CRTC bitmask
// against this snapshot's controller list.
func (c *Catalog) EncoderCanDrive(enc *Encoder, crtcid uint32) bool {
	idx := c.res.CrtcIndex(crtcid)
	if idx < 0 {
		return false
	}
	return enc.PossibleCrtcs&(1<<uint(idx)) != 0
}

// Connectors returns a lazy iterator over the snapshot's connector
// ids, in device report order.
func (c *Catalog) Connectors() *Connectors {
	return &Connectors{card: c.card, ids: c.res.Connectors}
}

// Encoders returns a lazy iterator over the snapshot's encoder ids.
func (c *Catalog) Encoders() *Encoders {
	return &Encoders{card: c.card, ids: c.res.Encoders}
}

// Crtcs returns a lazy iterator over the snapshot's controller ids.
func (c *Catalog) Crtcs() *Crtcs {
	return &Crtcs{card: c.card, ids: c.res.Crtcs}
}

// Framebuffers returns a lazy iterator over the snapshot's framebuffer
// ids.
func (c *Catalog) Framebuffers() *Framebuffers {
	return &Framebuffers{card: c.card, ids: c.res.Fbs}
}

// Connectors iterates connector snapshots one id at a time. Each
// element is fetched on Next; a failed fetch is reported through Err
// for that element only and does not end the iteration:
//
//	it := catalog.Connectors()
//	for it.Next() {
//		conn, err := it.Connector(), it.Err()
//		if err != nil {
//			continue // hot-unplugged mid-enumeration
//		}
//		...
//	}
type Connectors struct {
	card Card
	ids  []uint32
	i    int

	conn *Connector
	err  error
}

// Next fetches the next connector, reporting false when the id list is
// exhausted.
func (cs *Connectors) Next() bool {
	if cs.i >= len(cs.ids) {
		return false
	}
	cs.conn, cs.err = GetConnector(cs.card, cs.ids[cs.i])
	cs.i++
	return true
}

// Connector returns the element fetched by the last Next, or nil when
// that fetch failed.
func (cs *Connectors) Connector() *Connector { return cs.conn }

// Err returns the fetch error of the current element, if any.
func (cs *Connectors) Err() error { return cs.err }

// Reset restarts the iteration from the first id of the snapshot.
func (cs *Connectors) Reset() {
	cs.i = 0
	cs.conn, cs.err = nil, nil
}

// Encoders iterates encoder snapshots; same contract as Connectors.
type Encoders struct {
	card Card
	ids  []uint32
	i    int

	enc *Encoder
	err error
}

func (es *Encoders) Next() bool {
	if es.i >= len(es.ids) {
		return false
	}
	es.enc, es.err = GetEncoder(es.card, es.ids[es.i])
	es.i++
	return true
}

func (es *Encoders) Encoder() *Encoder { return es.enc }
func (es *Encoders) Err() error        { return es.err }

func (es *Encoders) Reset() {
	es.i = 0
	es.enc, es.err = nil, nil
}

// Crtcs iterates controller snapshots; same contract as Connectors.
type Crtcs struct {
	card Card
	ids  []uint32
	i    int

	crtc *Crtc
	err  error
}

func (cs *Crtcs) Next() bool {
	if cs.i >= len(cs.ids) {
		return false
	}
	cs.crtc, cs.err = GetCrtc(cs.card, cs.ids[cs.i])
	cs.i++
	return true
}

func (cs *Crtcs) Crtc() *Crtc { return cs.crtc }
func (cs *Crtcs) Err() error  { return cs.err }

func (cs *Crtcs) Reset() {
	cs.i = 0
	cs.crtc, cs.err = nil, nil
}

// Framebuffers iterates framebuffer snapshots; same contract as
// Connectors.
type Framebuffers struct {
	card Card
	ids  []uint32
	i    int

	fb  *FBInfo
	err error
}

func (fs *Framebuffers) Next() bool {
	if fs.i >= len(fs.ids) {
		return false
	}
	fs.fb, fs.err = GetFB(fs.card, fs.ids[fs.i])
	fs.i++
	return true
}

func (fs *Framebuffers) FB() *FBInfo { return fs.fb }
func (fs *Framebuffers) Err() error  { return fs.err }

func (fs *Framebuffers) Reset() {
	fs.i = 0
	fs.fb, fs.err = nil, nil
}
