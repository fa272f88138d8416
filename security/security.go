package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wudi/pdfinspect/ir/raw"
)

type Permissions struct{ Print, Modify, Copy, ModifyAnnotations, FillForms, ExtractAccessible, Assemble, PrintHighQuality bool }

// DataClass identifies the kind of payload being encrypted or decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

// ErrInvalidPassword is returned when neither the user nor the owner
// password check succeeds.
var ErrInvalidPassword = errors.New("invalid password")

type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	Authenticated() bool
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	// DecryptStream decrypts a stream payload; it satisfies filters.Decryptor.
	DecryptStream(ref raw.ObjectRef, data []byte, cryptFilter string) ([]byte, error)
	Permissions() Permissions
	EncryptMetadata() bool
}

type HandlerBuilder struct {
	encryptDict *raw.DictObj
	fileID      []byte
}

func (b *HandlerBuilder) WithEncryptDict(d *raw.DictObj) *HandlerBuilder {
	b.encryptDict = d
	return b
}

// WithTrailer takes the file identifier from the trailer's /ID array.
func (b *HandlerBuilder) WithTrailer(d *raw.DictObj) *HandlerBuilder {
	if len(b.fileID) == 0 {
		b.fileID = FileID(d)
	}
	return b
}
func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder { b.fileID = id; return b }

func (b *HandlerBuilder) Build() (Handler, error) {
	if b.encryptDict == nil {
		return noEncryptionHandler{}, nil
	}
	d := ParseDescriptor(b.encryptDict)
	if d.Filter != "" && d.Filter != "Standard" {
		return nil, fmt.Errorf("unsupported security handler %s", d.Filter)
	}
	v := d.V
	if v == 0 {
		v = 1
	}
	if v > 6 || v == 3 {
		return nil, fmt.Errorf("encryption V=%d not supported", v)
	}
	r := d.R
	if r == 0 {
		r = 2
	}
	if r > 6 {
		return nil, fmt.Errorf("encryption R=%d not supported", r)
	}
	keyLen := 40
	if v >= 5 {
		keyLen = 256
	} else if d.Length > 0 {
		keyLen = d.Length
	}
	if v == 4 && keyLen < 128 {
		keyLen = 128
	}
	if keyLen%8 != 0 {
		return nil, errors.New("encryption length must be multiple of 8")
	}

	baseAlgo := algoRC4
	if v >= 4 {
		baseAlgo = algoAES
	}
	cryptFilters, err := parseCryptFilters(b.encryptDict, baseAlgo)
	if err != nil {
		return nil, err
	}
	streamAlgo, err := resolveCryptFilter(b.encryptDict, "StmF", baseAlgo, cryptFilters)
	if err != nil {
		return nil, err
	}
	stringAlgo, err := resolveCryptFilter(b.encryptDict, "StrF", baseAlgo, cryptFilters)
	if err != nil {
		return nil, err
	}
	oe, _ := stringBytes(b.encryptDict, "OE")
	ue, _ := stringBytes(b.encryptDict, "UE")
	perms, _ := stringBytes(b.encryptDict, "Perms")
	h := &standardHandler{
		v:            v,
		r:            r,
		lengthBits:   keyLen,
		oEntry:       d.O,
		uEntry:       d.U,
		oe:           oe,
		ue:           ue,
		perms:        perms,
		p:            d.P,
		fileID:       b.fileID,
		encryptMeta:  d.EncryptMetadata,
		streamAlgo:   streamAlgo,
		stringAlgo:   stringAlgo,
		cryptFilters: cryptFilters,
	}
	return h, nil
}

type cryptAlgo int

const (
	algoUnset cryptAlgo = iota
	algoNone
	algoRC4
	algoAES
)

// standardHandler implements the Standard security handler. The file key is
// derived once by Authenticate and reused for every object.
type standardHandler struct {
	key          []byte
	v            int
	r            int
	lengthBits   int
	oEntry       []byte
	uEntry       []byte
	oe           []byte
	ue           []byte
	perms        []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	authed       bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) Authenticated() bool   { return h.authed }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

// Authenticate tries password as the user password, then as the owner
// password.
func (h *standardHandler) Authenticate(password string) error {
	if h.r >= 5 {
		if err := h.authenticateAES256([]byte(password)); err != nil {
			return err
		}
		h.authed = true
		return nil
	}
	keyLen := h.lengthBits / 8
	if key, ok := h.checkUser([]byte(password), keyLen); ok {
		h.key, h.authed = key, true
		return nil
	}
	userPwd := recoverUserPassword([]byte(password), h.oEntry, keyLen, h.r)
	if key, ok := h.checkUser(userPwd, keyLen); ok {
		h.key, h.authed = key, true
		return nil
	}
	return ErrInvalidPassword
}

func (h *standardHandler) checkUser(pwd []byte, keyLen int) ([]byte, bool) {
	key := deriveKey(pwd, h.oEntry, h.p, h.fileID, keyLen, h.r, h.encryptMeta)
	return key, checkUserPassword(key, h.uEntry, h.fileID, h.r)
}

func (h *standardHandler) ensureAuth() error {
	if h.authed {
		return nil
	}
	return h.Authenticate("")
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if err := h.ensureAuth(); err != nil {
		return nil, err
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, h.r, algo == algoAES)
	if algo == algoAES {
		return aesDecrypt(key, data)
	}
	return rc4Crypt(key, data)
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.DecryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) DecryptStream(ref raw.ObjectRef, data []byte, cryptFilter string) ([]byte, error) {
	return h.DecryptWithFilter(ref.Num, ref.Gen, data, DataClassStream, cryptFilter)
}

func (h *standardHandler) pickAlgo(class DataClass) cryptAlgo {
	switch class {
	case DataClassString:
		if h.stringAlgo != algoUnset {
			return h.stringAlgo
		}
	case DataClassStream, DataClassMetadataStream:
		if h.streamAlgo != algoUnset {
			return h.streamAlgo
		}
	}
	if h.v >= 4 {
		return algoAES
	}
	return algoRC4
}

func (h *standardHandler) algoFor(class DataClass, filter string) (cryptAlgo, error) {
	if filter == "Identity" {
		return algoNone, nil
	}
	if filter == "Standard" || filter == "" {
		return h.pickAlgo(class), nil
	}
	if algo, ok := h.cryptFilters[filter]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", filter)
}

func (h *standardHandler) Permissions() Permissions { return permissionsFromP(h.p) }

func permissionsFromP(p int32) Permissions {
	return Permissions{
		Print:             p&0x4 != 0,
		Modify:            p&0x8 != 0,
		Copy:              p&0x10 != 0,
		ModifyAnnotations: p&0x20 != 0,
		FillForms:         p&0x100 != 0,
		ExtractAccessible: p&0x200 != 0,
		Assemble:          p&0x400 != 0,
		PrintHighQuality:  p&0x800 != 0,
	}
}

func (h *standardHandler) authenticateAES256(pwd []byte) error {
	if len(pwd) > 127 {
		pwd = pwd[:127]
	}
	if len(h.uEntry) >= 48 && len(h.ue) >= 32 {
		if key, ok := deriveAES256(pwd, h.uEntry, h.ue, nil, h.r); ok {
			h.key = key
			h.setPermsFromEncrypted()
			return nil
		}
	}
	if len(h.oEntry) >= 48 && len(h.oe) >= 32 && len(h.uEntry) >= 48 {
		if key, ok := deriveAES256(pwd, h.oEntry, h.oe, h.uEntry[:48], h.r); ok {
			h.key = key
			h.setPermsFromEncrypted()
			return nil
		}
	}
	return ErrInvalidPassword
}

func (h *standardHandler) setPermsFromEncrypted() {
	if h.key == nil || h.p != 0 || len(h.perms) == 0 {
		return
	}
	if pval, err := decryptPermsAES256(h.key, h.perms); err == nil {
		h.p = pval
	}
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool                  { return false }
func (noEncryptionHandler) Authenticate(password string) error { return nil }
func (noEncryptionHandler) Authenticated() bool                { return true }
func (noEncryptionHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) DecryptStream(ref raw.ObjectRef, data []byte, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Permissions() Permissions {
	return Permissions{Print: true, Modify: true, Copy: true, ModifyAnnotations: true, FillForms: true, ExtractAccessible: true, Assemble: true, PrintHighQuality: true}
}
func (noEncryptionHandler) EncryptMetadata() bool { return false }

// Helpers
var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	copy(padded, pwd)
	if len(pwd) < 32 {
		copy(padded[len(pwd):], passwordPadding[:32-len(pwd)])
	}
	return padded
}

// hashR6 computes the password hash for revisions 5 and 6.
func hashR6(pwd, salt, extra []byte, r int) []byte {
	data := append(append(append([]byte{}, pwd...), salt...), extra...)
	sum := sha256.Sum256(data)
	k := sum[:]
	if r < 6 {
		return k
	}
	for round := 0; ; round++ {
		unit := append(append(append([]byte{}, pwd...), k...), extra...)
		k1 := bytes.Repeat(unit, 64)
		block, err := aes.NewCipher(k[:16])
		if err != nil {
			return k[:32]
		}
		e := make([]byte, len(k1))
		cipher.NewCBCEncrypter(block, k[16:32]).CryptBlocks(e, k1)
		mod := 0
		for _, c := range e[:16] {
			mod += int(c)
		}
		switch mod % 3 {
		case 0:
			s := sha256.Sum256(e)
			k = s[:]
		case 1:
			s := sha512.Sum384(e)
			k = s[:]
		default:
			s := sha512.Sum512(e)
			k = s[:]
		}
		if round >= 63 && int(e[len(e)-1]) <= round-32 {
			break
		}
	}
	return k[:32]
}

func deriveKey(pwd, owner []byte, pVal int32, fileID []byte, keyLenBytes int, r int, encryptMeta bool) []byte {
	if keyLenBytes <= 0 {
		keyLenBytes = 5
	}
	if keyLenBytes > 16 {
		keyLenBytes = 16
	}
	data := make([]byte, 0, 32+len(owner)+8+len(fileID))
	data = append(data, padPassword(pwd)...)
	data = append(data, owner...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(pVal))
	data = append(data, pBuf[:]...)
	data = append(data, fileID...)
	if r >= 4 && !encryptMeta {
		data = append(data, 0xFF, 0xFF, 0xFF, 0xFF)
	}

	sum := md5.Sum(data)
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:keyLenBytes])
			key = sum[:]
		}
	}
	if r == 2 {
		keyLenBytes = 5
	}
	return key[:keyLenBytes]
}

// ownerKey computes the RC4 key protecting the /O entry.
func ownerKey(ownerPwd []byte, keyLenBytes, r int) []byte {
	sum := md5.Sum(padPassword(ownerPwd))
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key)
			key = sum[:]
		}
	} else {
		keyLenBytes = 5
	}
	if keyLenBytes <= 0 || keyLenBytes > 16 {
		keyLenBytes = 16
	}
	return key[:keyLenBytes]
}

// recoverUserPassword decrypts /O with the owner password, yielding the
// padded user password.
func recoverUserPassword(ownerPwd, oEntry []byte, keyLenBytes, r int) []byte {
	if len(oEntry) < 32 {
		return nil
	}
	key := ownerKey(ownerPwd, keyLenBytes, r)
	out := append([]byte{}, oEntry[:32]...)
	if r == 2 {
		return rc4Simple(key, out)
	}
	for i := 19; i >= 0; i-- {
		out = rc4Simple(xorKey(key, byte(i)), out)
	}
	return out
}

func xorKey(key []byte, b byte) []byte {
	out := make([]byte, len(key))
	for i := range key {
		out[i] = key[i] ^ b
	}
	return out
}

func checkUserPassword(key []byte, userEntry []byte, fileID []byte, r int) bool {
	if len(userEntry) < 16 {
		return false
	}
	if r <= 2 {
		expect := rc4Simple(key, passwordPadding)
		return bytes.Equal(expect[:16], userEntry[:16])
	}
	h := md5.Sum(append(append([]byte{}, passwordPadding...), fileID...))
	val := h[:]
	for i := 0; i < 20; i++ {
		val = rc4Simple(xorKey(key, byte(i)), val)
	}
	return bytes.Equal(val[:16], userEntry[:16])
}

// deriveAES256 validates pwd against a 48-byte /U or /O entry and unwraps the
// file key from the matching /UE or /OE entry.
func deriveAES256(pwd, entry, wrapped, extra []byte, r int) ([]byte, bool) {
	validationSalt := entry[32:40]
	keySalt := entry[40:48]
	if !bytes.Equal(hashR6(pwd, validationSalt, extra, r), entry[:32]) {
		return nil, false
	}
	keyHash := hashR6(pwd, keySalt, extra, r)
	block, err := aes.NewCipher(keyHash)
	if err != nil {
		return nil, false
	}
	fileKey := make([]byte, 32)
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(fileKey, wrapped[:32])
	return fileKey, true
}

func parseCryptFilters(dict *raw.DictObj, base cryptAlgo) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := dict.Get("CF")
	if !ok {
		return out, nil
	}
	cfDict, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for _, name := range cfDict.Keys() {
		obj, _ := cfDict.Get(name)
		entry, ok := obj.(*raw.DictObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		algo := base
		if cfm, ok := entry.Name("CFM"); ok {
			switch cfm {
			case "V2":
				algo = algoRC4
			case "AESV2", "AESV3":
				algo = algoAES
			case "None":
				algo = algoNone
			default:
				return nil, fmt.Errorf("unsupported crypt filter method %s", cfm)
			}
		}
		out[name] = algo
	}
	return out, nil
}

func resolveCryptFilter(dict *raw.DictObj, key string, base cryptAlgo, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name, _ := dict.Name(key)
	if name == "" || name == "Standard" {
		if algo, ok := filters["Standard"]; ok {
			return algo, nil
		}
		return base, nil
	}
	if name == "Identity" {
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", name)
}

// objectKey derives the per-object key from the file key.
func objectKey(fileKey []byte, objNum, gen int, r int, useAES bool) []byte {
	if r >= 5 {
		return fileKey
	}
	key := append([]byte{}, fileKey...)
	key = append(key, byte(objNum), byte(objNum>>8), byte(objNum>>16))
	key = append(key, byte(gen), byte(gen>>8))
	if useAES {
		key = append(key, 0x73, 0x41, 0x6C, 0x54) // "sAlT"
	}
	hash := md5.Sum(key)
	n := len(fileKey) + 5
	if n > 16 {
		n = 16
	}
	return hash[:n]
}

func rc4Simple(key []byte, data []byte) []byte {
	out := make([]byte, len(data))
	c, err := rc4.NewCipher(key)
	if err != nil {
		return out
	}
	c.XORKeyStream(out, data)
	return out
}

func rc4Crypt(key []byte, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesDecrypt handles AES-CBC payloads carrying a leading IV and PKCS#5
// padding.
func aesDecrypt(key []byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, errors.New("aes ciphertext too short")
	}
	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext not multiple of blocksize")
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

func decryptPermsAES256(key []byte, perms []byte) (int32, error) {
	if len(perms) < 16 {
		return 0, errors.New("perms length must be 16")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, err
	}
	out := make([]byte, 16)
	block.Decrypt(out, perms[:16])
	if !bytes.Equal(out[9:12], []byte("adb")) {
		return 0, errors.New("invalid perms signature")
	}
	return int32(binary.LittleEndian.Uint32(out[0:4])), nil
}

func stringBytes(dict *raw.DictObj, key string) ([]byte, bool) {
	if v, ok := dict.Get(key); ok {
		if s, ok := v.(raw.StringObj); ok {
			return s.Bytes, true
		}
	}
	return nil, false
}
