package main

import (
	"flag"
	"log"
	"net"
	"os"
	"regexp"

	"mitm_man/mproxy"
	"mitm_man/proxysocket"
	"mitm_man/signer"
)

func main() {
	verbose := flag.Bool("v", true, "should every proxy request be logged to stderr")
	addr := flag.String("addr", ":8080", "explicit proxy listen address")
	transparentAddr := flag.String("transparent", "", "transparent endpoint listen address (empty = disabled)")
	controlAddr := flag.String("control", ":8000", "websocket control server address")
	caCert := flag.String("cacert", "", "CA certificate PEM file (empty = generate in-memory CA)")
	caKey := flag.String("cakey", "", "CA private key PEM file")
	include := flag.String("include", "", "decrypt only hosts matching this regex")
	exclude := flag.String("exclude", "", "never decrypt hosts matching this regex")
	flag.Parse()

	proxy := mproxy.NewCoreMitmServer()
	proxy.Verbose = *verbose
	proxy.Enable100Continue = true

	// 用LogCollector包装，控制面能看到实时日志
	proxy.Logger = mproxy.NewLogCollector(proxy.Logger)

	var store *signer.CertStore
	var err error
	if *caCert != "" && *caKey != "" {
		store, err = signer.NewCertStoreFromFiles(*caCert, *caKey)
		if err != nil {
			log.Fatal("加载CA失败load CA: ", err)
		}
		// CA文件更新后热加载
		if werr := store.WatchCA(); werr != nil {
			log.Printf("watch CA: %v", werr)
		}
	} else {
		ca, gerr := signer.GenerateCA("mitm_man root")
		if gerr != nil {
			log.Fatal("生成CA失败generate CA: ", gerr)
		}
		store, err = signer.NewCertStore(ca)
		if err != nil {
			log.Fatal(err)
		}
		// 导出一份方便client导入信任
		if werr := store.WriteCAPEM("mitm_man_ca.pem"); werr != nil {
			log.Printf("export CA: %v", werr)
		}
	}
	store.Logger = proxy.Logger
	proxy.CertStore = store

	ep := &mproxy.ExplicitEndpoint{
		Proxy:          proxy,
		DecryptDefault: true,
	}
	if *include != "" {
		ep.IncludeRegex = regexp.MustCompile(*include)
	}
	if *exclude != "" {
		ep.ExcludeRegex = regexp.MustCompile(*exclude)
	}

	// 控制面：流量/连接/日志/交换快照的websocket推送
	ctl := &proxysocket.ControlServer{
		Proxy: proxy,
		Addr:  *controlAddr,
		Token: os.Getenv("MITM_MAN_SECRET"),
	}
	ctl.Start()

	if *transparentAddr != "" {
		tln, err := net.Listen("tcp", *transparentAddr)
		if err != nil {
			log.Fatal("透明端点监听失败listen transparent: ", err)
		}
		tep := &mproxy.TransparentEndpoint{
			Proxy:           proxy,
			TLSEnabled:      true,
			GenericCertName: "localhost",
		}
		go func() {
			if err := tep.Serve(tln); err != nil {
				log.Printf("transparent endpoint: %v", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal("监听失败listen: ", err)
	}
	log.Printf("explicit endpoint on %s", *addr)
	if err := ep.Serve(ln); err != nil {
		log.Fatal("服务器错误serve: ", err)
	}
}
