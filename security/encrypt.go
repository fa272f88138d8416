package security

// Encryption for the Standard handler. The reading path never calls it; it
// produces encrypted documents for tests and tools.

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/wudi/pdfinspect/ir/raw"
)

// Encryptor encrypts object data with the file key of a Standard handler.
type Encryptor struct{ h *standardHandler }

// NewEncryptor wraps h, which must be a Standard handler. A handler that
// was not authenticated yet is tried with the empty user password.
func NewEncryptor(h Handler) (*Encryptor, error) {
	sh, ok := h.(*standardHandler)
	if !ok {
		return nil, errors.New("encryption needs the Standard security handler")
	}
	if err := sh.ensureAuth(); err != nil {
		return nil, err
	}
	return &Encryptor{h: sh}, nil
}

// Encrypt encrypts data belonging to object objNum gen with the algorithm
// the handler selects for class.
func (e *Encryptor) Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	algo, err := e.h.algoFor(class, "")
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(e.h.key, objNum, gen, e.h.r, algo == algoAES)
	if algo == algoAES {
		return aesEncrypt(key, data)
	}
	return rc4Crypt(key, data)
}

// PermissionsValue builds the Standard security permissions flags for a document.
func PermissionsValue(p Permissions) int32 {
	val := int32(-4) // bits 1-2 must be 0
	if !p.Print {
		val &^= 1 << 2
	}
	if !p.Modify {
		val &^= 1 << 3
	}
	if !p.Copy {
		val &^= 1 << 4
	}
	if !p.ModifyAnnotations {
		val &^= 1 << 5
	}
	if !p.FillForms {
		val &^= 1 << 8
	}
	if !p.ExtractAccessible {
		val &^= 1 << 9
	}
	if !p.Assemble {
		val &^= 1 << 10
	}
	if !p.PrintHighQuality {
		val &^= 1 << 11
	}
	return val
}

// BuildStandardEncryption constructs an Encrypt dictionary and file key for
// the Standard security handler. Revision 2 uses 40-bit RC4, 3 uses 128-bit
// RC4 and 4 uses AES-128 through a StdCF crypt filter.
func BuildStandardEncryption(userPwd, ownerPwd string, permissions Permissions, fileID []byte, r int) (*raw.DictObj, []byte, error) {
	if ownerPwd == "" {
		ownerPwd = userPwd
	}
	keyLen := 16
	v := 2
	switch r {
	case 2:
		keyLen, v = 5, 1
	case 3:
	case 4:
		v = 4
	default:
		return nil, nil, fmt.Errorf("revision %d not supported for writing", r)
	}

	oKey := ownerKey([]byte(ownerPwd), keyLen, r)
	oVal := rc4Simple(oKey, padPassword([]byte(userPwd)))
	if r >= 3 {
		for i := 1; i <= 19; i++ {
			oVal = rc4Simple(xorKey(oKey, byte(i)), oVal)
		}
	}
	pVal := PermissionsValue(permissions)
	fileKey := deriveKey([]byte(userPwd), oVal, pVal, fileID, keyLen, r, true)

	var uVal []byte
	if r == 2 {
		uVal = rc4Simple(fileKey, passwordPadding)
	} else {
		h := md5.Sum(append(append([]byte{}, passwordPadding...), fileID...))
		uVal = h[:]
		for i := 0; i < 20; i++ {
			uVal = rc4Simple(xorKey(fileKey, byte(i)), uVal)
		}
		uVal = append(uVal, make([]byte, 16)...)
	}

	enc := raw.Dict()
	enc.Set("Filter", raw.NameLiteral("Standard"))
	enc.Set("V", raw.NumberInt(int64(v)))
	enc.Set("R", raw.NumberInt(int64(r)))
	enc.Set("Length", raw.NumberInt(int64(keyLen*8)))
	enc.Set("O", raw.Str(oVal))
	enc.Set("U", raw.Str(uVal))
	enc.Set("P", raw.NumberInt(int64(pVal)))
	if v == 4 {
		cf := raw.Dict()
		std := raw.Dict()
		std.Set("CFM", raw.NameLiteral("AESV2"))
		std.Set("Length", raw.NumberInt(16))
		cf.Set("StdCF", std)
		enc.Set("CF", cf)
		enc.Set("StmF", raw.NameLiteral("StdCF"))
		enc.Set("StrF", raw.NameLiteral("StdCF"))
	}
	return enc, fileKey, nil
}

// aesEncrypt prefixes a random IV and applies PKCS#5 padding.
func aesEncrypt(key []byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - (len(data) % aes.BlockSize)
	plain := append(append([]byte{}, data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, aes.BlockSize+len(plain))
	copy(out[:aes.BlockSize], iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], plain)
	return out, nil
}
