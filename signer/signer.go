// Package signer 负责MITM需要的动态证书：加载CA、为被解密的host
// 按需签发泛域名叶子证书并缓存。进程内所有端点共享一个CertStore，
// 必须支持并发访问。
package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrNoCA = errors.New("signer: CA not loaded")

type Logger interface {
	Printf(format string, v ...any)
}

// CertStore 叶子证书仓库。Mint按host泛化后的名字查缓存，
// 未命中时签发。同名并发Mint只签一次。
type CertStore struct {
	mu       sync.Mutex
	ca       tls.Certificate
	caLeaf   *x509.Certificate
	cache    map[string]*tls.Certificate
	inflight map[string]*mintCall

	certPath string
	keyPath  string
	watcher  *fsnotify.Watcher
	Logger   Logger

	// Validity 签出叶子证书的有效期，默认前后各24h
	Validity time.Duration
}

type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

func NewCertStore(ca tls.Certificate) (*CertStore, error) {
	s := &CertStore{
		cache:    make(map[string]*tls.Certificate),
		inflight: make(map[string]*mintCall),
		Validity: 24 * time.Hour,
	}
	if err := s.setCA(ca); err != nil {
		return nil, err
	}
	return s, nil
}

// NewCertStoreFromFiles 从PEM文件加载CA。之后可以用WatchCA热更新。
func NewCertStoreFromFiles(certPath, keyPath string) (*CertStore, error) {
	ca, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("signer: load CA: %w", err)
	}
	s, err := NewCertStore(ca)
	if err != nil {
		return nil, err
	}
	s.certPath = certPath
	s.keyPath = keyPath
	return s, nil
}

func (s *CertStore) setCA(ca tls.Certificate) error {
	if len(ca.Certificate) == 0 {
		return ErrNoCA
	}
	leaf, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return fmt.Errorf("signer: parse CA leaf: %w", err)
	}
	s.mu.Lock()
	s.ca = ca
	s.caLeaf = leaf
	// 换了CA之后旧叶子全部作废
	s.cache = make(map[string]*tls.Certificate)
	s.mu.Unlock()
	return nil
}

// WildcardName 把host泛化成证书名：三段以上的域名折成*.剩余部分，
// 这样同一个二级域下的host共享一张叶子。IP和短域名原样返回。
func WildcardName(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		return "*." + strings.Join(labels[1:], ".")
	}
	return host
}

// Mint 返回name对应的叶子证书，缓存未命中时签发。
// name通常是WildcardName的输出。
func (s *CertStore) Mint(name string) (*tls.Certificate, error) {
	s.mu.Lock()
	if cert, ok := s.cache[name]; ok {
		s.mu.Unlock()
		return cert, nil
	}
	if call, ok := s.inflight[name]; ok {
		// 别的session正在签同一个名字，等它
		s.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &mintCall{done: make(chan struct{})}
	s.inflight[name] = call
	ca := s.ca
	caLeaf := s.caLeaf
	validity := s.Validity
	s.mu.Unlock()

	cert, err := signLeaf(ca, caLeaf, name, validity)
	call.cert, call.err = cert, err

	s.mu.Lock()
	delete(s.inflight, name)
	if err == nil {
		s.cache[name] = cert
	}
	s.mu.Unlock()
	close(call.done)
	return cert, err
}

// TLSConfig 返回用指定名字的叶子做server端握手的配置
func (s *CertStore) TLSConfig(name string, minVersion, maxVersion uint16) (*tls.Config, error) {
	cert, err := s.Mint(name)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
	}, nil
}

func signLeaf(ca tls.Certificate, caLeaf *x509.Certificate, name string, validity time.Duration) (*tls.Certificate, error) {
	if caLeaf == nil {
		return nil, ErrNoCA
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: strings.TrimPrefix(name, "*.")},
		NotBefore:             time.Now().Add(-validity),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(name); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{name}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caLeaf, key.Public(), ca.PrivateKey)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.Certificate[0]},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// GenerateCA 生成一张自签名CA，给没有现成CA文件的开发环境用
func GenerateCA(commonName string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"mitm_man"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CAPool 返回只含当前CA的证书池，测试里给client信任用
func (s *CertStore) CAPool() *x509.CertPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := x509.NewCertPool()
	pool.AddCert(s.caLeaf)
	return pool
}

// WatchCA 监听CA文件变化并热加载。只有从文件加载的store可用。
func (s *CertStore) WatchCA() error {
	if s.certPath == "" || s.keyPath == "" {
		return errors.New("signer: CA not file backed")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.certPath); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(s.keyPath); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.loopReload()
	return nil
}

func (s *CertStore) loopReload() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			if err := s.reloadCA(); err != nil {
				s.logf("signer: reload CA: %v", err)
			} else {
				s.logf("signer: CA reloaded from %s", s.certPath)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logf("signer: fsnotify: %v", err)
		}
	}
}

func (s *CertStore) reloadCA() error {
	certPEM, err := os.ReadFile(s.certPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(s.keyPath)
	if err != nil {
		return err
	}
	ca, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	return s.setCA(ca)
}

func (s *CertStore) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

func (s *CertStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// WriteCAPEM 把当前CA写成PEM，方便导入系统信任。私钥不导出。
func (s *CertStore) WriteCAPEM(path string) error {
	s.mu.Lock()
	der := make([]byte, len(s.ca.Certificate[0]))
	copy(der, s.ca.Certificate[0])
	s.mu.Unlock()
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}
