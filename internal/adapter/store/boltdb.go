package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var (
	bucketTenants = []byte("tenants")
	bucketMeta    = []byte("meta")

	bucketDocs          = []byte("docs")
	bucketVersions      = []byte("versions")
	bucketDocVersions   = []byte("doc_versions")
	bucketVersionChunks = []byte("version_chunks")
	bucketChunks        = []byte("chunks")
	bucketBlobs         = []byte("blobs")
	bucketEmbeddings    = []byte("embeddings")
	bucketTerms         = []byte("terms")
	bucketStats         = []byte("stats")
	bucketJobs          = []byte("jobs")
	bucketStaged        = []byte("staged")
	keyStats            = []byte("lexical")

	tenantBuckets = [][]byte{
		bucketDocs, bucketVersions, bucketDocVersions, bucketVersionChunks, bucketChunks,
		bucketBlobs, bucketEmbeddings, bucketTerms, bucketStats, bucketJobs, bucketStaged,
	}
)

var (
	_ port.ChunkStore   = (*BoltStore)(nil)
	_ port.LexicalIndex = (*BoltStore)(nil)
)

// BoltStore is the relational source of truth. Each tenant owns one
// top-level bucket; every read and write goes through tenantTx, so a
// code path cannot reach another tenant's records without naming it.
type BoltStore struct {
	db        *bbolt.DB
	tokenizer port.Tokenizer
	now       func() time.Time

	versionLocks sync.Map // tenant/ref -> *sync.Mutex
}

func NewBoltStore(path string, tokenizer port.Tokenizer) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTenants, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, tokenizer: tokenizer, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type docMeta struct {
	TenantID  domain.TenantID   `json:"tenant_id"`
	Title     string            `json:"title"`
	MimeType  string            `json:"mime_type"`
	Latest    domain.VersionRef `json:"latest"`
	CreatedAt int64             `json:"created_at"`
}

type chunkMeta struct {
	TenantID    domain.TenantID   `json:"tenant_id"`
	VersionRef  domain.VersionRef `json:"version_ref"`
	SeqNo       int               `json:"seq_no"`
	SectionPath string            `json:"section_path"`
	PageNo      *int              `json:"page_no,omitempty"`
	TokenCount  int               `json:"token_count"`
	Terms       []string          `json:"terms"`
}

// tenantView holds the sub-buckets of one tenant inside a transaction.
type tenantView struct {
	tenant domain.TenantID
	b      map[string]*bbolt.Bucket
}

func (v *tenantView) bucket(name []byte) *bbolt.Bucket {
	return v.b[string(name)]
}

// tenantTx is the only way into tenant data. On read-only transactions a
// missing tenant yields nil with no error.
func tenantTx(tx *bbolt.Tx, tenant domain.TenantID) (*tenantView, error) {
	if err := domain.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	root := tx.Bucket(bucketTenants)
	tb := root.Bucket([]byte(tenant))
	if tb == nil {
		if !tx.Writable() {
			return nil, nil
		}
		var err error
		if tb, err = root.CreateBucket([]byte(tenant)); err != nil {
			return nil, fmt.Errorf("create tenant bucket: %w", err)
		}
	}
	view := &tenantView{tenant: tenant, b: make(map[string]*bbolt.Bucket, len(tenantBuckets))}
	for _, name := range tenantBuckets {
		sub := tb.Bucket(name)
		if sub == nil && tx.Writable() {
			var err error
			if sub, err = tb.CreateBucket(name); err != nil {
				return nil, fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		view.b[string(name)] = sub
	}
	return view, nil
}

func (s *BoltStore) view(ctx context.Context, tenant domain.TenantID, fn func(v *tenantView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		v, err := tenantTx(tx, tenant)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

func (s *BoltStore) update(ctx context.Context, tenant domain.TenantID, fn func(v *tenantView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		v, err := tenantTx(tx, tenant)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

// Documents

func (s *BoltStore) CreateDocument(ctx context.Context, tenant domain.TenantID, title, mimeType string) (domain.Document, error) {
	doc := domain.Document{
		TenantID:  tenant,
		UUID:      uuid.NewString(),
		Title:     title,
		MimeType:  mimeType,
		CreatedAt: s.now().UTC(),
	}
	err := s.update(ctx, tenant, func(v *tenantView) error {
		return putDoc(v, doc)
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func putDoc(v *tenantView, doc domain.Document) error {
	data, err := json.Marshal(docMeta{
		TenantID:  doc.TenantID,
		Title:     doc.Title,
		MimeType:  doc.MimeType,
		Latest:    doc.LatestVersionRef,
		CreatedAt: doc.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return v.bucket(bucketDocs).Put([]byte(doc.UUID), data)
}

func getDoc(v *tenantView, id string) (domain.Document, error) {
	if v == nil {
		return domain.Document{}, notFound("document", id)
	}
	data := v.bucket(bucketDocs).Get([]byte(id))
	if data == nil {
		return domain.Document{}, notFound("document", id)
	}
	var meta docMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.Document{}, err
	}
	if err := domain.CheckTenant(v.tenant, meta.TenantID, "document store"); err != nil {
		return domain.Document{}, err
	}
	return domain.Document{
		TenantID:         meta.TenantID,
		UUID:             id,
		Title:            meta.Title,
		MimeType:         meta.MimeType,
		LatestVersionRef: meta.Latest,
		CreatedAt:        time.Unix(0, meta.CreatedAt).UTC(),
	}, nil
}

func (s *BoltStore) GetDocument(ctx context.Context, tenant domain.TenantID, documentUUID string) (domain.Document, error) {
	var doc domain.Document
	err := s.view(ctx, tenant, func(v *tenantView) error {
		var err error
		doc, err = getDoc(v, documentUUID)
		return err
	})
	return doc, err
}

func (s *BoltStore) ListDocuments(ctx context.Context, tenant domain.TenantID) ([]domain.Document, error) {
	var docs []domain.Document
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return nil
		}
		return v.bucket(bucketDocs).ForEach(func(k, _ []byte) error {
			doc, err := getDoc(v, string(k))
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, err
}

// Versions

func getVersion(v *tenantView, ref domain.VersionRef) (domain.DocumentVersion, error) {
	if v == nil {
		return domain.DocumentVersion{}, notFound("version", string(ref))
	}
	data := v.bucket(bucketVersions).Get([]byte(ref))
	if data == nil {
		return domain.DocumentVersion{}, notFound("version", string(ref))
	}
	var ver domain.DocumentVersion
	if err := json.Unmarshal(data, &ver); err != nil {
		return domain.DocumentVersion{}, err
	}
	if err := domain.CheckTenant(v.tenant, ver.TenantID, "version store"); err != nil {
		return domain.DocumentVersion{}, err
	}
	return ver, nil
}

func putVersion(v *tenantView, ver domain.DocumentVersion) error {
	data, err := json.Marshal(ver)
	if err != nil {
		return err
	}
	return v.bucket(bucketVersions).Put([]byte(ver.Ref), data)
}

func docVersions(v *tenantView, documentUUID string) ([]domain.DocumentVersion, error) {
	if v == nil {
		return nil, nil
	}
	var out []domain.DocumentVersion
	prefix := []byte(documentUUID + "/")
	c := v.bucket(bucketDocVersions).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ver, err := getVersion(v, domain.VersionRef(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		out = append(out, ver)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.Before(out[j].UploadedAt)
		}
		return out[i].Ref < out[j].Ref
	})
	return out, nil
}

func (s *BoltStore) CreateVersion(ctx context.Context, tenant domain.TenantID, nv port.NewVersion) (domain.VersionRef, error) {
	if nv.Checksum == "" {
		return "", domain.Invalid("checksum", "must not be empty")
	}
	if nv.VersionLabel == "" {
		return "", domain.Invalid("version_label", "must not be empty")
	}
	uploaded := nv.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}

	var ref domain.VersionRef
	err := s.update(ctx, tenant, func(v *tenantView) error {
		doc, err := getDoc(v, nv.DocumentUUID)
		if err != nil {
			return err
		}
		existing, err := docVersions(v, nv.DocumentUUID)
		if err != nil {
			return err
		}
		for _, ev := range existing {
			if ev.ContentChecksum == nv.Checksum {
				ref = ev.Ref
				return &domain.DuplicateChecksumError{Existing: ev.Ref}
			}
			if ev.VersionLabel == nv.VersionLabel {
				return domain.Invalid("version_label", "%q already exists for document %s", nv.VersionLabel, nv.DocumentUUID)
			}
		}

		ref = domain.VersionRef(uuid.NewString())
		ver := domain.DocumentVersion{
			Ref:             ref,
			TenantID:        tenant,
			DocumentUUID:    nv.DocumentUUID,
			VersionLabel:    nv.VersionLabel,
			SourceURI:       nv.SourceURI,
			Filename:        nv.Filename,
			ContentChecksum: nv.Checksum,
			EffectiveDate:   nv.EffectiveDate,
			UploadedAt:      uploaded.UTC(),
			ParseStatus:     domain.ParsePending,
		}
		if err := putVersion(v, ver); err != nil {
			return err
		}
		if err := v.bucket(bucketDocVersions).Put([]byte(nv.DocumentUUID+"/"+string(ref)), []byte(nv.Checksum)); err != nil {
			return err
		}
		doc.LatestVersionRef = ref
		return putDoc(v, doc)
	})
	return ref, err
}

func (s *BoltStore) GetVersion(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef) (domain.DocumentVersion, error) {
	var ver domain.DocumentVersion
	err := s.view(ctx, tenant, func(v *tenantView) error {
		var err error
		ver, err = getVersion(v, ref)
		return err
	})
	return ver, err
}

func (s *BoltStore) ListVersions(ctx context.Context, tenant domain.TenantID, documentUUID string) ([]domain.DocumentVersion, error) {
	var out []domain.DocumentVersion
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if _, err := getDoc(v, documentUUID); err != nil {
			return err
		}
		var err error
		out, err = docVersions(v, documentUUID)
		return err
	})
	return out, err
}

func (s *BoltStore) FindVersionByChecksum(ctx context.Context, tenant domain.TenantID, documentUUID, checksum string) (domain.DocumentVersion, bool, error) {
	var (
		found domain.DocumentVersion
		ok    bool
	)
	err := s.view(ctx, tenant, func(v *tenantView) error {
		versions, err := docVersions(v, documentUUID)
		if err != nil {
			return err
		}
		for _, ver := range versions {
			if ver.ContentChecksum == checksum {
				found, ok = ver, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// SetParseStatus enforces pending -> ok|error, and error -> pending for re-ingestion.
func (s *BoltStore) SetParseStatus(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef, status domain.ParseStatus) error {
	return s.update(ctx, tenant, func(v *tenantView) error {
		ver, err := getVersion(v, ref)
		if err != nil {
			return err
		}
		if ver.ParseStatus == status {
			return nil
		}
		allowed := ver.ParseStatus == domain.ParsePending ||
			(ver.ParseStatus == domain.ParseFailed && status == domain.ParsePending)
		if !allowed {
			return fmt.Errorf("%w: parse_status %s -> %s", domain.ErrInvalidTransition, ver.ParseStatus, status)
		}
		ver.ParseStatus = status
		return putVersion(v, ver)
	})
}

// ResolveLatest returns the ok version with the greatest uploaded_at.
// The cached Document.LatestVersionRef is deliberately not consulted.
func (s *BoltStore) ResolveLatest(ctx context.Context, tenant domain.TenantID, documentUUID string) (domain.VersionRef, error) {
	var ref domain.VersionRef
	err := s.view(ctx, tenant, func(v *tenantView) error {
		versions, err := docVersions(v, documentUUID)
		if err != nil {
			return err
		}
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].ParseStatus == domain.ParseOK {
				ref = versions[i].Ref
				return nil
			}
		}
		return notFound("ok version of document", documentUUID)
	})
	return ref, err
}

// LookupVersions resolves many refs in one transaction.
func (s *BoltStore) LookupVersions(ctx context.Context, tenant domain.TenantID, refs []domain.VersionRef) (map[domain.VersionRef]domain.VersionMeta, error) {
	out := make(map[domain.VersionRef]domain.VersionMeta, len(refs))
	err := s.view(ctx, tenant, func(v *tenantView) error {
		titles := make(map[string]string)
		for _, ref := range refs {
			if _, done := out[ref]; done {
				continue
			}
			ver, err := getVersion(v, ref)
			if err != nil {
				return err
			}
			title, ok := titles[ver.DocumentUUID]
			if !ok {
				doc, err := getDoc(v, ver.DocumentUUID)
				if err != nil {
					return err
				}
				title = doc.Title
				titles[ver.DocumentUUID] = title
			}
			out[ref] = domain.VersionMeta{
				Ref:           ref,
				DocumentUUID:  ver.DocumentUUID,
				DocumentTitle: title,
				VersionLabel:  ver.VersionLabel,
				SourceURI:     ver.SourceURI,
				UploadedAt:    ver.UploadedAt,
			}
		}
		return nil
	})
	return out, err
}

// Chunks

func seqKey(ref domain.VersionRef, seq int) []byte {
	k := make([]byte, 0, len(ref)+9)
	k = append(k, ref...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func (s *BoltStore) lockVersion(tenant domain.TenantID, ref domain.VersionRef) func() {
	m, _ := s.versionLocks.LoadOrStore(string(tenant)+"/"+string(ref), &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func validateChunkSet(tenant domain.TenantID, ref domain.VersionRef, chunks []domain.Chunk) error {
	seen := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		if c.SeqNo != i {
			return domain.Invalid("seq_no", "chunk %d has seq_no %d; sequence must be contiguous from 0", i, c.SeqNo)
		}
		if c.TenantID != tenant || c.VersionRef != ref {
			return domain.Invalid("chunk", "chunk %d does not belong to version %s", i, ref)
		}
		if c.UID == "" {
			return domain.Invalid("chunk_uid", "chunk %d has no uid", i)
		}
		if _, dup := seen[c.UID]; dup {
			return domain.Invalid("chunk_uid", "duplicate uid %s", c.UID)
		}
		seen[c.UID] = struct{}{}
	}
	return nil
}

// CommitChunks replaces the chunk set of a version in a single transaction.
// Writers of the same version are serialized by a per-version lock.
func (s *BoltStore) CommitChunks(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef, chunks []domain.Chunk, chunkerConfig string) error {
	if err := validateChunkSet(tenant, ref, chunks); err != nil {
		return err
	}
	unlock := s.lockVersion(tenant, ref)
	defer unlock()

	return s.update(ctx, tenant, func(v *tenantView) error {
		ver, err := getVersion(v, ref)
		if err != nil {
			return err
		}
		if ver.ParseStatus == domain.ParseFailed {
			return fmt.Errorf("version %s has parse_status error: %w", ref, domain.ErrInvalidTransition)
		}

		stats, err := readStats(v)
		if err != nil {
			return err
		}
		removed, err := removeVersionChunks(v, ref, &stats)
		if err != nil {
			return err
		}

		added := make(map[string]map[string]domain.Posting)
		for _, c := range chunks {
			terms := s.tokenizer.Tokenize(c.Text)
			meta := chunkMeta{
				TenantID:    tenant,
				VersionRef:  ref,
				SeqNo:       c.SeqNo,
				SectionPath: c.SectionPath,
				PageNo:      c.PageNo,
				TokenCount:  c.TokenCount,
				Terms:       uniqueTerms(terms),
			}
			data, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			if err := v.bucket(bucketChunks).Put([]byte(c.UID), data); err != nil {
				return err
			}
			if err := v.bucket(bucketBlobs).Put([]byte(c.UID), []byte(c.Text)); err != nil {
				return err
			}
			if err := v.bucket(bucketVersionChunks).Put(seqKey(ref, c.SeqNo), []byte(c.UID)); err != nil {
				return err
			}

			tf := make(map[string]int)
			for _, term := range terms {
				tf[term]++
			}
			for term, n := range tf {
				if added[term] == nil {
					added[term] = make(map[string]domain.Posting)
				}
				added[term][c.UID] = domain.Posting{ChunkUID: c.UID, VersionRef: ref, TF: n, Length: len(terms)}
			}
			stats.TotalChunks++
			stats.TotalTokens += len(terms)
		}

		if err := rewritePostings(v, removed, added); err != nil {
			return err
		}
		if err := writeStats(v, stats); err != nil {
			return err
		}
		ver.ChunkerConfig = chunkerConfig
		return putVersion(v, ver)
	})
}

// removeVersionChunks deletes a version's chunks, blobs and embedding links
// and returns the posting terms each removed chunk contributed to.
func removeVersionChunks(v *tenantView, ref domain.VersionRef, stats *domain.LexicalStats) (map[string][]string, error) {
	removed := make(map[string][]string)
	prefix := append([]byte(ref), '/')
	vc := v.bucket(bucketVersionChunks)

	var keys [][]byte
	c := vc.Cursor()
	for k, uid := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, uid = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
		data := v.bucket(bucketChunks).Get(uid)
		if data == nil {
			continue
		}
		var meta chunkMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, err
		}
		removed[string(uid)] = meta.Terms
		stats.TotalChunks--
		stats.TotalTokens -= termTotal(v, string(uid), meta.Terms)
	}

	for _, k := range keys {
		if err := vc.Delete(k); err != nil {
			return nil, err
		}
	}
	for uid := range removed {
		if err := v.bucket(bucketChunks).Delete([]byte(uid)); err != nil {
			return nil, err
		}
		if err := v.bucket(bucketBlobs).Delete([]byte(uid)); err != nil {
			return nil, err
		}
		if err := deleteEmbeddingLinks(v, uid); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

// termTotal recovers the indexed length of a chunk from any of its postings.
func termTotal(v *tenantView, uid string, terms []string) int {
	for _, term := range terms {
		postings, _ := readPostings(v, term)
		for _, p := range postings {
			if p.ChunkUID == uid {
				return p.Length
			}
		}
	}
	return 0
}

func deleteEmbeddingLinks(v *tenantView, uid string) error {
	b := v.bucket(bucketEmbeddings)
	prefix := []byte(uid + "/")
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func rewritePostings(v *tenantView, removed map[string][]string, added map[string]map[string]domain.Posting) error {
	touched := make(map[string]struct{})
	drop := make(map[string]map[string]struct{})
	for uid, terms := range removed {
		for _, term := range terms {
			touched[term] = struct{}{}
			if drop[term] == nil {
				drop[term] = make(map[string]struct{})
			}
			drop[term][uid] = struct{}{}
		}
	}
	for term := range added {
		touched[term] = struct{}{}
	}

	b := v.bucket(bucketTerms)
	for term := range touched {
		existing, err := readPostings(v, term)
		if err != nil {
			return err
		}
		kept := make([]domain.Posting, 0, len(existing)+len(added[term]))
		for _, p := range existing {
			if _, gone := drop[term][p.ChunkUID]; gone {
				continue
			}
			if _, replaced := added[term][p.ChunkUID]; replaced {
				continue
			}
			kept = append(kept, p)
		}
		for _, p := range added[term] {
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			if err := b.Delete([]byte(term)); err != nil {
				return err
			}
			continue
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].ChunkUID < kept[j].ChunkUID })
		data, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(term), data); err != nil {
			return err
		}
	}
	return nil
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func readChunk(v *tenantView, uid string) (domain.Chunk, bool, error) {
	data := v.bucket(bucketChunks).Get([]byte(uid))
	if data == nil {
		return domain.Chunk{}, false, nil
	}
	var meta chunkMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.Chunk{}, false, err
	}
	if err := domain.CheckTenant(v.tenant, meta.TenantID, "chunk store"); err != nil {
		return domain.Chunk{}, false, err
	}
	return domain.Chunk{
		TenantID:    meta.TenantID,
		VersionRef:  meta.VersionRef,
		UID:         uid,
		SeqNo:       meta.SeqNo,
		SectionPath: meta.SectionPath,
		PageNo:      meta.PageNo,
		Text:        string(v.bucket(bucketBlobs).Get([]byte(uid))),
		TokenCount:  meta.TokenCount,
	}, true, nil
}

// GetChunks returns chunks of a version in ascending seq_no starting at
// filter.FromSeq, so callers can page by passing the last seq_no + 1.
func (s *BoltStore) GetChunks(ctx context.Context, tenant domain.TenantID, ref domain.VersionRef, filter domain.ChunkFilter) ([]domain.Chunk, error) {
	var out []domain.Chunk
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if _, err := getVersion(v, ref); err != nil {
			return err
		}
		prefix := append([]byte(ref), '/')
		c := v.bucket(bucketVersionChunks).Cursor()
		for k, uid := c.Seek(seqKey(ref, max(filter.FromSeq, 0))); k != nil && bytes.HasPrefix(k, prefix); k, uid = c.Next() {
			chunk, ok, err := readChunk(v, string(uid))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if filter.SectionPrefix != "" && !strings.HasPrefix(chunk.SectionPath, filter.SectionPrefix) {
				continue
			}
			out = append(out, chunk)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetChunksByUID(ctx context.Context, tenant domain.TenantID, uids []string) (map[string]domain.Chunk, error) {
	out := make(map[string]domain.Chunk, len(uids))
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return nil
		}
		for _, uid := range uids {
			chunk, ok, err := readChunk(v, uid)
			if err != nil {
				return err
			}
			if ok {
				out[uid] = chunk
			}
		}
		return nil
	})
	return out, err
}

// Embeddings

func embeddingKey(uid, model string) []byte {
	return []byte(uid + "/" + model)
}

// LinkEmbedding upserts the (chunk_uid, model_name) link. The chunk must exist.
func (s *BoltStore) LinkEmbedding(ctx context.Context, tenant domain.TenantID, e domain.Embedding) error {
	if e.ModelName == "" || e.VectorRef == "" {
		return domain.Invalid("embedding", "model_name and vector_ref are required")
	}
	return s.update(ctx, tenant, func(v *tenantView) error {
		if v.bucket(bucketChunks).Get([]byte(e.ChunkUID)) == nil {
			return notFound("chunk", e.ChunkUID)
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = s.now().UTC()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return v.bucket(bucketEmbeddings).Put(embeddingKey(e.ChunkUID, e.ModelName), data)
	})
}

func (s *BoltStore) ListEmbeddings(ctx context.Context, tenant domain.TenantID) ([]domain.Embedding, error) {
	var out []domain.Embedding
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return nil
		}
		return v.bucket(bucketEmbeddings).ForEach(func(_, data []byte) error {
			var e domain.Embedding
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Jobs

func (s *BoltStore) CreateJob(ctx context.Context, job domain.IngestionJob) error {
	return s.update(ctx, job.TenantID, func(v *tenantView) error {
		if v.bucket(bucketJobs).Get([]byte(job.ID)) != nil {
			return domain.Invalid("job_id", "job %s already exists", job.ID)
		}
		return putJob(v, job)
	})
}

func (s *BoltStore) SaveJob(ctx context.Context, job domain.IngestionJob) error {
	return s.update(ctx, job.TenantID, func(v *tenantView) error {
		if v.bucket(bucketJobs).Get([]byte(job.ID)) == nil {
			return notFound("job", job.ID)
		}
		return putJob(v, job)
	})
}

// ClaimVersion hands job.VersionRef to job and stores job in the same
// transaction. An errored version is reopened to pending. If another job is
// still working through the pipeline on that version, the owner is returned
// and nothing is written. An ok version cannot be claimed.
func (s *BoltStore) ClaimVersion(ctx context.Context, job domain.IngestionJob) (*domain.IngestionJob, error) {
	var owner *domain.IngestionJob
	err := s.update(ctx, job.TenantID, func(v *tenantView) error {
		ver, err := getVersion(v, job.VersionRef)
		if err != nil {
			return err
		}
		if ver.ParseStatus == domain.ParseOK {
			return fmt.Errorf("%w: version %s is already ingested", domain.ErrInvalidTransition, ver.Ref)
		}

		c := v.bucket(bucketJobs).Cursor()
		for k, data := c.First(); k != nil; k, data = c.Next() {
			var other domain.IngestionJob
			if err := json.Unmarshal(data, &other); err != nil {
				return err
			}
			if other.ID != job.ID && other.VersionRef == job.VersionRef && other.InPipeline() {
				owner = &other
				return nil
			}
		}

		if ver.ParseStatus == domain.ParseFailed {
			ver.ParseStatus = domain.ParsePending
			if err := putVersion(v, ver); err != nil {
				return err
			}
		}
		return putJob(v, job)
	})
	return owner, err
}

func (s *BoltStore) DeleteJob(ctx context.Context, tenant domain.TenantID, jobID string) error {
	return s.update(ctx, tenant, func(v *tenantView) error {
		if err := v.bucket(bucketJobs).Delete([]byte(jobID)); err != nil {
			return err
		}
		return v.bucket(bucketStaged).Delete([]byte(jobID))
	})
}

func putJob(v *tenantView, job domain.IngestionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return v.bucket(bucketJobs).Put([]byte(job.ID), data)
}

func (s *BoltStore) GetJob(ctx context.Context, tenant domain.TenantID, jobID string) (domain.IngestionJob, error) {
	var job domain.IngestionJob
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return notFound("job", jobID)
		}
		data := v.bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return notFound("job", jobID)
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		return domain.CheckTenant(tenant, job.TenantID, "job store")
	})
	return job, err
}

func (s *BoltStore) ListJobs(ctx context.Context, tenant domain.TenantID) ([]domain.IngestionJob, error) {
	var jobs []domain.IngestionJob
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return nil
		}
		return v.bucket(bucketJobs).ForEach(func(_, data []byte) error {
			var job domain.IngestionJob
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, err
}

// Staging holds parser output between the parse and chunk phases.

func (s *BoltStore) StageBlocks(ctx context.Context, tenant domain.TenantID, jobID string, blocks []domain.Block) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return err
	}
	return s.update(ctx, tenant, func(v *tenantView) error {
		return v.bucket(bucketStaged).Put([]byte(jobID), data)
	})
}

func (s *BoltStore) StagedBlocks(ctx context.Context, tenant domain.TenantID, jobID string) ([]domain.Block, error) {
	var blocks []domain.Block
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return notFound("staged blocks for job", jobID)
		}
		data := v.bucket(bucketStaged).Get([]byte(jobID))
		if data == nil {
			return notFound("staged blocks for job", jobID)
		}
		return json.Unmarshal(data, &blocks)
	})
	return blocks, err
}

func (s *BoltStore) ClearStaged(ctx context.Context, tenant domain.TenantID, jobID string) error {
	return s.update(ctx, tenant, func(v *tenantView) error {
		return v.bucket(bucketStaged).Delete([]byte(jobID))
	})
}

// Lexical index

func readPostings(v *tenantView, term string) ([]domain.Posting, error) {
	data := v.bucket(bucketTerms).Get([]byte(term))
	if data == nil {
		return nil, nil
	}
	var postings []domain.Posting
	if err := json.Unmarshal(data, &postings); err != nil {
		return nil, err
	}
	return postings, nil
}

func readStats(v *tenantView) (domain.LexicalStats, error) {
	var stats domain.LexicalStats
	data := v.bucket(bucketStats).Get(keyStats)
	if data == nil {
		return stats, nil
	}
	err := json.Unmarshal(data, &stats)
	return stats, err
}

func writeStats(v *tenantView, stats domain.LexicalStats) error {
	stats.AvgChunkLen = 0
	if stats.TotalChunks > 0 {
		stats.AvgChunkLen = float64(stats.TotalTokens) / float64(stats.TotalChunks)
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return v.bucket(bucketStats).Put(keyStats, data)
}

func (s *BoltStore) Postings(ctx context.Context, scope domain.Scope, terms []string) (map[string][]domain.Posting, error) {
	if err := scope.Require("lexical postings"); err != nil {
		return nil, err
	}
	tenant := scope.Tenant()
	out := make(map[string][]domain.Posting, len(terms))
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil || scope.Empty() {
			return nil
		}
		for _, term := range terms {
			if _, done := out[term]; done {
				continue
			}
			postings, err := readPostings(v, term)
			if err != nil {
				return err
			}
			admitted := postings[:0]
			for _, p := range postings {
				if scope.Admits(tenant, p.VersionRef) {
					admitted = append(admitted, p)
				}
			}
			out[term] = admitted
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LexicalStats(ctx context.Context, tenant domain.TenantID) (domain.LexicalStats, error) {
	var stats domain.LexicalStats
	err := s.view(ctx, tenant, func(v *tenantView) error {
		if v == nil {
			return nil
		}
		var err error
		stats, err = readStats(v)
		return err
	})
	return stats, err
}

// Tenants

func (s *BoltStore) ListTenants(ctx context.Context) ([]domain.TenantID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.TenantID
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, _ []byte) error {
			out = append(out, domain.TenantID(k))
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteTenant(ctx context.Context, tenant domain.TenantID) error {
	if err := domain.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketTenants).DeleteBucket([]byte(tenant))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
